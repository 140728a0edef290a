package main

import (
	"log"

	"github.com/linksocks/wsengine/wsengine"
)

func main() {
	cli := wsengine.NewCLI()

	if err := cli.Execute(); err != nil {
		log.Fatal(err)
	}
}
