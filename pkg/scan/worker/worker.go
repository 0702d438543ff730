package worker

import "github.com/korrelio/reqscan/pkg/scan/queue"

// executeRecord sends one dispatched record through the dispatcher's
// session and reports whether it scanned successfully. A failure here
// (ScanRequestFailedError or UnknownHTTPMethodError) is reported to
// mark_result's failed_ids rather than retried again: probe.Session has
// already spent its own retry budget before returning ScanRequestFailedError,
// and an unknown verb is rejected before any attempt is made.
func (d *Dispatcher) executeRecord(r queue.Record) bool {
	log := d.log.With().Uint("record_id", r.ID).Logger()

	resp, err := d.cfg.Session.Send(d.ctx, r.Request)
	if err != nil {
		log.Error().Err(err).Msg("Record failed")
		return false
	}

	log.Debug().Int("status", resp.Status).Msg("Record scanned")
	return true
}
