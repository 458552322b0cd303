// Package carina subscribes to Constellation live events.
//
// A Client owns one socket. Subscribe binds a callback to a slug and makes
// sure the server has been asked to send events for it; Unsubscribe asks the
// server to stop. Concurrent Subscribe calls for the same slug share a single
// livesubscribe request and all observe its outcome.
//
// Example usage:
//
//	client, err := carina.New(socket.Config{URL: "wss://constellation.mixer.com"})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(ctx, "channel:1:update", func(payload json.RawMessage) {
//		fmt.Println(string(payload))
//	})
//	if err != nil {
//		return err
//	}
//
//	// later
//	err = client.Unsubscribe(ctx, "channel:1:update")
//
// Lifecycle of a slug:
//   - The first Subscribe issues livesubscribe and caches its future under
//     "subscription:<slug>". Later Subscribe calls join that future.
//   - If livesubscribe fails, the cached entry is dropped so the next
//     Subscribe issues a fresh request.
//   - A successful subscription stays cached; subscribing again is answered
//     from the cache without touching the wire.
//   - Unsubscribe drops the cached entry and sends liveunsubscribe. It is not
//     deduplicated.
//
// Callbacks are never removed. After Unsubscribe they stay registered and
// simply stop receiving events once the server stops sending them.
package carina
