package app

import "log/slog"

// loggingTxPublisher is the default txn.Publisher: it has no downstream
// event bus to fan notifications out to, so it only logs them at commit
// time. A real deployment would replace this with a publisher that pushes
// onto the same channel Component G uses for cross-instance events.
type loggingTxPublisher struct {
	log *slog.Logger
}

func newLoggingTxPublisher(log *slog.Logger) *loggingTxPublisher {
	return &loggingTxPublisher{log: log}
}

func (p *loggingTxPublisher) NotifyCreation(tenantID, name string, objects any) {
	p.log.Info("txn.notify.creation", "tenant_id", tenantID, "name", name)
}

func (p *loggingTxPublisher) NotifyUpdate(tenantID, name string, objects any) {
	p.log.Info("txn.notify.update", "tenant_id", tenantID, "name", name)
}

func (p *loggingTxPublisher) NotifyDelete(tenantID, name string, objects any) {
	p.log.Info("txn.notify.delete", "tenant_id", tenantID, "name", name)
}
