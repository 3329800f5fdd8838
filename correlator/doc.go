// Package correlator is the client side of plasma: it publishes tasks to
// the inbox and matches results back to them by task_id.
//
// Every call opens its own subscription to plasma_results before
// publishing, then discards results for other tasks until its own arrives
// or the timeout expires:
//
//	client, _ := correlator.NewClient(correlator.Config{Bus: b})
//	res, err := client.Submit(ctx, "grok", "hello", nil, 30*time.Second)
//	if errors.IsTimeout(err) {
//		// nobody answered
//	}
//
// Pipelines chain several agents, feeding each step the previous answer.
// An aggregating step (the judge) instead receives every earlier answer.
package correlator
