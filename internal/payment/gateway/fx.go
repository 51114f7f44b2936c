package gateway

import (
	paymentdomain "github.com/smallbiznis/examly/internal/payment/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.gateway",
	fx.Provide(
		NewClient,
		func(c *Client) paymentdomain.Gateway { return c },
	),
)
