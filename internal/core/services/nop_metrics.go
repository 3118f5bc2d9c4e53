package services

import (
	"time"

	"meshcall/internal/core/domain"
)

// NopCallMetrics discards every observation.
type NopCallMetrics struct{}

func (NopCallMetrics) SessionOpened() {}
func (NopCallMetrics) SessionClosed(string) {}
func (NopCallMetrics) SessionStable(time.Duration) {}
func (NopCallMetrics) NegotiationRetried() {}
func (NopCallMetrics) SignalSent(domain.SignalKind) {}
func (NopCallMetrics) SignalReceived(domain.SignalKind) {}
func (NopCallMetrics) SignalDiscarded(string) {}
func (NopCallMetrics) CallStateChanged(domain.CallState) {}
