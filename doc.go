// Package flageval is a client-side feature flag evaluation engine.
//
// A [Client] evaluates flags through a [Provider]. Every evaluation merges
// five context layers (global, client, scoped, transaction, invocation),
// runs the client and invocation hooks around resolution, and converts the
// provider's untyped value into the requested Go type with a [Codec].
//
//	client := flageval.New(flageval.Config{Name: "checkout", Provider: provider})
//	enabled, err := client.Boolean(ctx, "new-checkout", false)
//
// Scoped contexts and transactions travel with context.Context:
//
//	ctx = flageval.WithContext(ctx, flageval.TargetedContext(userID))
//	result, err := flageval.Transact(ctx, flageval.TransactionOptions{
//		Overrides: map[string]any{"new-checkout": true},
//	}, func(ctx context.Context) (string, error) {
//		return checkout(ctx, client)
//	})
//
// Provider implementations live under provider/, reusable hooks under
// hooks/.
package flageval
