package msrp

import (
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/tevino/abool"

	"firestige.xyz/callcore/internal/metrics"
)

// outbound is a SEND written by this side and not yet answered.
type outbound struct {
	callID    string
	messageID string
	sentAt    time.Time
	bytes     int64
	answered  *abool.AtomicBool
}

// transactions correlates replies and REPORTs with the SENDs that caused
// them. Entries expire after the transaction timeout; expiry is logged and
// counted but does not affect the session.
type transactions struct {
	pending *cache.Cache // txn id → *outbound
	byMsgID *cache.Cache // Message-ID → *outbound
	logger  *slog.Logger
}

func newTransactions(ttl time.Duration, logger *slog.Logger) *transactions {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	t := &transactions{
		pending: cache.New(ttl, ttl/2),
		byMsgID: cache.New(ttl*2, ttl),
		logger:  logger,
	}
	// go-cache also calls OnEvicted for manual deletes; answered entries are skipped.
	t.pending.OnEvicted(func(txn string, v interface{}) {
		ob, ok := v.(*outbound)
		if !ok || ob.answered.IsSet() {
			return
		}
		metrics.MSRPTransactionTimeoutsTotal.Inc()
		t.logger.Warn("msrp transaction timed out",
			"call_id", ob.callID,
			"txn", txn,
			"message_id", ob.messageID,
			"age", time.Since(ob.sentAt).Round(time.Millisecond),
		)
	})
	return t
}

// track records a SEND that was just written.
func (t *transactions) track(callID string, msg *Message) {
	if msg.Method != MethodSend {
		return
	}
	ob := &outbound{
		callID:    callID,
		messageID: msg.Header(HeaderMessageID),
		sentAt:    time.Now(),
		bytes:     int64(len(msg.Payload)),
		answered:  abool.New(),
	}
	t.pending.SetDefault(msg.TransactionID, ob)
	if ob.messageID != "" {
		t.byMsgID.SetDefault(ob.messageID, ob)
	}
}

// resolve matches a response to its SEND. It reports whether the transaction
// was known.
func (t *transactions) resolve(reply *Message) bool {
	v, ok := t.pending.Get(reply.TransactionID)
	if !ok {
		t.logger.Debug("response for unknown msrp transaction", "txn", reply.TransactionID, "code", reply.Code)
		return false
	}
	ob := v.(*outbound)
	ob.answered.Set()
	t.pending.Delete(reply.TransactionID)

	metrics.MSRPTransactionSeconds.Observe(time.Since(ob.sentAt).Seconds())
	if reply.Code/100 != 2 {
		t.logger.Warn("msrp send rejected",
			"call_id", ob.callID,
			"txn", reply.TransactionID,
			"code", reply.Code,
			"reason", reply.Reason,
		)
	}
	return true
}

// report matches a REPORT to its SEND by Message-ID.
func (t *transactions) report(msg *Message) bool {
	id := msg.Header(HeaderMessageID)
	v, ok := t.byMsgID.Get(id)
	if !ok {
		t.logger.Debug("report for unknown msrp message", "message_id", id, "status", msg.Header(HeaderStatus))
		return false
	}
	ob := v.(*outbound)
	t.byMsgID.Delete(id)
	t.logger.Debug("msrp delivery report",
		"call_id", ob.callID,
		"message_id", id,
		"status", msg.Header(HeaderStatus),
		"byte_range", msg.ByteRange(),
	)
	return true
}

// outstanding returns the number of unanswered SENDs.
func (t *transactions) outstanding() int {
	return t.pending.ItemCount()
}
