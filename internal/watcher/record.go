package watcher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/incident-relay/internal/model"
)

// decoded is one upstream record after conversion. ts is set whenever the
// record carried a parsable timestamp, even if it was otherwise malformed.
type decoded struct {
	ev  model.Event
	ts  time.Time
	err error
}

// toEvent converts a raw upstream record into an Event. Missing or
// unparsable required fields yield model.ErrMalformedRecord.
func toEvent(raw json.RawMessage, now time.Time, tolerance time.Duration) decoded {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return decoded{err: fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)}
	}

	ts, err := pickTime(m, "timestamp", "date", "time", "occurred_at", "created_at")
	if err != nil {
		return decoded{err: fmt.Errorf("%w: %v", model.ErrMalformedRecord, err)}
	}
	out := decoded{ts: ts}

	category := pickStr(m, "category", "type", "attack_type", "technique")
	chain := pickStr(m, "chain", "venue", "network", "chains")
	magnitude, ok := pickNum(m, "magnitude", "amount_usd", "loss_usd", "amount", "funds_lost")
	switch {
	case category == "":
		out.err = fmt.Errorf("%w: missing category", model.ErrMalformedRecord)
		return out
	case chain == "":
		out.err = fmt.Errorf("%w: missing chain", model.ErrMalformedRecord)
		return out
	case !ok:
		out.err = fmt.Errorf("%w: missing magnitude", model.ErrMalformedRecord)
		return out
	}

	ev := model.Event{
		ID:             pickStr(m, "id", "incident_id", "uuid"),
		Source:         pickStr(m, "source", "reporter"),
		SourceURL:      pickStr(m, "source_url", "sourceURL", "url", "link"),
		Category:       category,
		Magnitude:      magnitude,
		Chain:          chain,
		Timestamp:      ts,
		Description:    pickStr(m, "description", "summary", "title"),
		RecoveryStatus: pickStr(m, "recovery_status", "recoveryStatus", "recovered"),
	}
	if ev.ID == "" {
		ev.ID = surrogateID(pickStr(m, "tx_hash", "txHash", "hash", "transaction"), ev)
	}
	if err := ev.Validate(now, tolerance); err != nil {
		if tolerance <= 0 {
			tolerance = model.DefaultFutureTolerance
		}
		if ts.After(now.Add(tolerance)) {
			// a bogus future time must not drag the high-water mark forward
			out.ts = time.Time{}
		}
		out.err = err
		return out
	}
	out.ev = ev
	return out
}

// surrogateID prefers the transaction hash and otherwise derives a stable
// id from the fields that identify an incident.
func surrogateID(txHash string, ev model.Event) string {
	if txHash != "" {
		return txHash
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", ev.Chain, ev.Category, ev.Timestamp.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(ev.Magnitude, 'f', -1, 64))
	return "evt_" + hex.EncodeToString(h.Sum(nil))[:24]
}
