package metrics

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/tenzoki/nsb/internal/wire"
)

func attrOp(op wire.Op) attribute.KeyValue {
	return attribute.String("op", string(op))
}

func attrString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
