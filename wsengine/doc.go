// Package wsengine implements the WebSocket protocol (RFC 6455) as a
// transport-agnostic engine for both client and server roles.
//
// The engine never owns a socket. Bytes arrive through OnReceive in
// arbitrary chunks and leave through a Transport (client) or PeerTransport
// (server). Frames, upgrade handshakes and TLS records are reassembled
// across deliveries. TLS, when enabled, runs underneath the WebSocket layer
// through a RecordLayer driven by a crypto/tls engine.
//
// Basic usage:
//
//	import "github.com/linksocks/wsengine/wsengine"
//
//	// Serve peers on TCP
//	host := wsengine.NewTCPHost(logger)
//	var server *wsengine.Server
//	server = wsengine.NewServer(host, wsengine.DefaultServerOption().WithURI("/chat"), func(m wsengine.Message) {
//		_ = server.Send(*m.Peer, m.Payload)
//	})
//	if err := host.ListenAndServe(ctx, server); err != nil {
//		log.Fatal(err)
//	}
//
//	// Connect a client
//	u, _ := url.Parse("ws://localhost:8765/chat")
//	transport, err := wsengine.DialTransport(ctx, u, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	client := wsengine.NewClient(transport, wsengine.DefaultClientOption().WithURL(u.String()), handler)
//	go transport.Run(ctx, client)
//	if err := client.Open(ctx); err != nil {
//		log.Fatal(err)
//	}
//	_ = client.SendText([]byte("hello"))

package wsengine
