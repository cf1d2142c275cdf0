package payments

import (
	"context"

	pkgstripe "github.com/angelmondragon/orderflow-engine/pkg/stripe"
)

// Gateway is the slice of the payment provider the engine talks to.
// *pkgstripe.Client satisfies it.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, in pkgstripe.CreateIntentInput) (*pkgstripe.Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*pkgstripe.Intent, error)
	CancelIntent(ctx context.Context, id string) error
}

var _ Gateway = (*pkgstripe.Client)(nil)
