package scheduler

import "errors"

// ErrUndeliverable means neither a live session nor a broker could take
// the notification.
var ErrUndeliverable = errors.New("scheduler: notification undeliverable")
