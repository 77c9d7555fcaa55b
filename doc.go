// Package realtime keeps a user's local view of RealLife notifications,
// conversations, and pinned items consistent with server state delivered
// over a resumable event stream.
//
// A Client owns the whole machinery: the stream connection with its
// reconnect state machine, the typed event router, the single-flight
// credential-refresh coordinator shared between the stream and the REST
// layer, the per-domain cache reconcilers, and the resumption-cursor
// store. Construct one per signed-in user:
//
//	client, err := realtime.New(realtime.Config{BaseURL: "https://reallife.example"})
//	if err != nil { ... }
//	defer client.Close(ctx)
//
//	if err := client.Login(ctx, email, password); err != nil { ... }
//
//	unsub := client.Events().Subscribe(events.KindNotificationCreated, func(ctx context.Context, evt events.Event) {
//		// render toast etc.
//	})
//	defer unsub()
//
// Events ingested from the stream are applied optimistically and then
// corrected by debounced authoritative refetches; read the resulting
// collections through Notifications, Conversations, and Pins.
package realtime
