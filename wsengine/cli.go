package wsengine

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const passwordEnv = "WSENGINE_PASSWORD"

// CLI represents the command-line interface for wsengine
type CLI struct {
	rootCmd *cobra.Command
	config  *viper.Viper
	in      io.Reader
	out     io.Writer
	outMu   sync.Mutex
}

// NewCLI creates a new CLI instance
func NewCLI() *CLI {
	cli := &CLI{
		config: viper.New(),
		in:     os.Stdin,
		out:    os.Stdout,
	}
	cli.initCommands()
	return cli
}

// Execute runs the CLI application
func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

// initCommands initializes all CLI commands and flags
func (cli *CLI) initCommands() {
	cli.rootCmd = &cobra.Command{
		Use:          "wsengine",
		Short:        "WebSocket client and server over raw TCP",
		SilenceUsage: true,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := VersionString()
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.out, "wsengine version %s %s\n", v, Platform)
			return nil
		},
	}

	clientCmd := &cobra.Command{
		Use:          "client",
		Short:        "Connect to a WebSocket server and exchange lines from stdin",
		RunE:         cli.runClient,
		SilenceUsage: true,
	}

	serverCmd := &cobra.Command{
		Use:          "server",
		Short:        "Start a WebSocket server",
		RunE:         cli.runServer,
		SilenceUsage: true,
	}

	// Client flags
	clientCmd.Flags().StringP("url", "u", "ws://localhost:8765/", "WebSocket server URL (ws, wss, http or https)")
	clientCmd.Flags().BoolP("insecure", "k", false, "Skip TLS certificate verification")
	clientCmd.Flags().IntP("fragment-size", "f", 0, "Split outbound messages into frames of this size (0 disables)")
	clientCmd.Flags().Duration("handshake-timeout", DefaultHandshakeTimeout, "Time allowed for the TLS and upgrade handshakes")
	addCommonFlags(clientCmd.Flags())
	cli.bindPassword(clientCmd, "client.password")

	// Server flags
	serverCmd.Flags().StringP("host", "H", "0.0.0.0", "Listen address")
	serverCmd.Flags().IntP("port", "P", 8765, "Listen port")
	serverCmd.Flags().StringP("uri", "U", "/", "Path clients must request to upgrade")
	serverCmd.Flags().String("tls-cert", "", "TLS certificate file (enables TLS)")
	serverCmd.Flags().String("tls-key", "", "TLS private key file")
	serverCmd.Flags().BoolP("echo", "e", false, "Send every received message back to its peer")
	addCommonFlags(serverCmd.Flags())
	cli.bindPassword(serverCmd, "server.password")

	cli.rootCmd.AddCommand(clientCmd, serverCmd, versionCmd)
}

// addCommonFlags registers flags shared by client and server
func addCommonFlags(fs *pflag.FlagSet) {
	fs.StringP("username", "n", "", "Basic authentication username")
	fs.StringP("password", "w", "", "Basic authentication password")
	fs.StringP("opcode", "o", "text", "Frame opcode for outbound messages (text or binary)")
	fs.DurationP("keepalive", "K", DefaultKeepAliveInterval, "Keepalive ping interval (0 disables)")
	fs.Duration("pong-timeout", DefaultPongTimeout, "Time to wait for a pong")
	fs.BoolP("json", "j", false, "Print received messages as JSON")
	fs.CountP("debug", "d", "Show debug logs (use -dd for trace logs)")
}

// bindPassword lets the password flag fall back to the environment
func (cli *CLI) bindPassword(cmd *cobra.Command, key string) {
	flag := cmd.Flags().Lookup("password")
	flag.Usage += " (env: " + passwordEnv + ")"
	_ = cli.config.BindEnv(key, passwordEnv)
	_ = cli.config.BindPFlag(key, flag)
}

func frameOpcode(fs *pflag.FlagSet) (Opcode, error) {
	name, _ := fs.GetString("opcode")
	return ParseOpcode(name)
}

func (cli *CLI) runClient(cmd *cobra.Command, args []string) error {
	rawURL, _ := cmd.Flags().GetString("url")
	insecure, _ := cmd.Flags().GetBool("insecure")
	fragmentSize, _ := cmd.Flags().GetInt("fragment-size")
	handshakeTimeout, _ := cmd.Flags().GetDuration("handshake-timeout")
	username, _ := cmd.Flags().GetString("username")
	password := cli.config.GetString("client.password")
	keepalive, _ := cmd.Flags().GetDuration("keepalive")
	pongTimeout, _ := cmd.Flags().GetDuration("pong-timeout")
	asJSON, _ := cmd.Flags().GetBool("json")
	debug, _ := cmd.Flags().GetCount("debug")

	logger := cli.initLogging(debug)

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	opcode, err := frameOpcode(cmd.Flags())
	if err != nil {
		return err
	}

	clientOpt := DefaultClientOption().
		WithURL(rawURL).
		WithFrameOpcode(opcode).
		WithFragmentSize(fragmentSize).
		WithKeepAliveInterval(keepalive).
		WithPongTimeout(pongTimeout).
		WithHandshakeTimeout(handshakeTimeout).
		WithLogger(logger)

	if username != "" {
		clientOpt.WithBasicAuth(username, password)
	}
	if u.Scheme == "wss" || u.Scheme == "https" {
		clientOpt.WithTLS(true, &tls.Config{InsecureSkipVerify: insecure})
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	transport, err := DialTransport(ctx, u, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	client := NewClient(transport, clientOpt, func(m Message) {
		cli.printMessage(m, asJSON)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := transport.Run(gctx, client)
		client.OnTransportDown()
		return err
	})

	if err := client.Open(gctx); err != nil {
		transport.Close()
		_ = g.Wait()
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cli.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case line, ok := <-lines:
				if !ok {
					_ = client.Close()
					cancel()
					return nil
				}
				if err := client.Send([]byte(line)); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && cmd.Context().Err() == nil {
		return nil
	}
	if err == nil {
		return cmd.Context().Err()
	}
	return err
}

func (cli *CLI) runServer(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	uri, _ := cmd.Flags().GetString("uri")
	certFile, _ := cmd.Flags().GetString("tls-cert")
	keyFile, _ := cmd.Flags().GetString("tls-key")
	echo, _ := cmd.Flags().GetBool("echo")
	username, _ := cmd.Flags().GetString("username")
	password := cli.config.GetString("server.password")
	keepalive, _ := cmd.Flags().GetDuration("keepalive")
	pongTimeout, _ := cmd.Flags().GetDuration("pong-timeout")
	asJSON, _ := cmd.Flags().GetBool("json")
	debug, _ := cmd.Flags().GetCount("debug")

	logger := cli.initLogging(debug)

	opcode, err := frameOpcode(cmd.Flags())
	if err != nil {
		return err
	}

	serverOpt := DefaultServerOption().
		WithHost(host).
		WithPort(port).
		WithURI(uri).
		WithFrameOpcode(opcode).
		WithKeepAliveInterval(keepalive).
		WithPongTimeout(pongTimeout).
		WithLogger(logger)

	if username != "" {
		serverOpt.WithBasicAuth(username, password)
	}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		serverOpt.WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}})
	}

	logger.Info().Msg("Configuration:")
	logger.Info().Msgf("  Listen: %s:%d", host, port)
	logger.Info().Msgf("  URI: %s", uri)
	if username != "" {
		logger.Info().Msgf("  Basic auth user: %s", username)
	}
	if serverOpt.TLSConfig != nil {
		logger.Info().Msg("  TLS: enabled")
	}

	tcpHost := NewTCPHost(logger)
	var server *Server
	server = NewServer(tcpHost, serverOpt, func(m Message) {
		cli.printMessage(m, asJSON)
		if echo && m.Peer != nil {
			if err := server.Send(*m.Peer, m.Payload); err != nil {
				logger.Debug().Err(err).Str("peer", m.Peer.String()).Msg("Echo failed")
			}
		}
	})
	defer server.Close()

	if err := tcpHost.ListenAndServe(cmd.Context(), server); err != nil {
		return err
	}
	return cmd.Context().Err()
}

func (cli *CLI) printMessage(m Message, asJSON bool) {
	cli.outMu.Lock()
	defer cli.outMu.Unlock()

	if asJSON {
		b, err := json.Marshal(m)
		if err != nil {
			return
		}
		fmt.Fprintln(cli.out, string(b))
		return
	}
	if m.Type == OpBinary {
		fmt.Fprintln(cli.out, base64.StdEncoding.EncodeToString(m.Payload))
		return
	}
	fmt.Fprintln(cli.out, string(m.Payload))
}

// initLogging sets up zerolog with appropriate level
func (cli *CLI) initLogging(debug int) zerolog.Logger {
	switch debug {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger()
}
