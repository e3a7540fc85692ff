// Package drivers links every queue backend into the binary.
package drivers

import (
	_ "github.com/osvaldoandrade/tbqueue/internal/plugins/queue/kafka"
	_ "github.com/osvaldoandrade/tbqueue/internal/plugins/queue/memory"
	_ "github.com/osvaldoandrade/tbqueue/internal/plugins/queue/rabbitmq"
	_ "github.com/osvaldoandrade/tbqueue/internal/plugins/queue/redis"
)
