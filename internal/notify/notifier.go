// Package notify carries user-facing outcome notifications from the sale
// pipeline to whatever surfaces them (the UI bridge, logs).
package notify

import (
	"sync"

	"go.uber.org/zap"
)

type Kind string

const (
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

type Notification struct {
	Kind        Kind   `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type Listener func(Notification)

// Notifier fans each notification out to its listeners in registration order.
// A panicking listener is isolated so the rest still hear the outcome.
type Notifier struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

func (n *Notifier) AddListener(l Listener) {
	n.mu.Lock()
	n.listeners = append(n.listeners, l)
	n.mu.Unlock()
}

func (n *Notifier) Notify(notification Notification) {
	n.mu.RLock()
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.RUnlock()

	for _, l := range listeners {
		n.invoke(l, notification)
	}
}

func (n *Notifier) Success(title, description string) {
	n.Notify(Notification{Kind: KindSuccess, Title: title, Description: description})
}

func (n *Notifier) Warning(title, description string) {
	n.Notify(Notification{Kind: KindWarning, Title: title, Description: description})
}

func (n *Notifier) Error(title, description string) {
	n.Notify(Notification{Kind: KindError, Title: title, Description: description})
}

func (n *Notifier) invoke(l Listener, notification Notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("notification listener panicked", zap.Any("panic", r))
		}
	}()
	l(notification)
}

// LogListener surfaces notifications through the structured log, the server
// side stand-in for the dashboard's toast popups.
func LogListener(logger *zap.Logger) Listener {
	return func(n Notification) {
		fields := []zap.Field{
			zap.String("title", n.Title),
			zap.String("description", n.Description),
		}
		switch n.Kind {
		case KindError:
			logger.Error("notification", fields...)
		case KindWarning:
			logger.Warn("notification", fields...)
		default:
			logger.Info("notification", fields...)
		}
	}
}
