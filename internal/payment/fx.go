package payment

import (
	"github.com/smallbiznis/examly/internal/payment/gateway"
	"github.com/smallbiznis/examly/internal/payment/service"
	"github.com/smallbiznis/examly/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	gateway.Module,
	webhook.Module,
	service.Module,
)
