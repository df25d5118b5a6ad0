package eventbus

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/researchspace/researchspace-sub019/errs"
)

func enforceDataCap(evt Event, capBytes int) error {
	if capBytes <= 0 {
		return nil
	}
	size, err := dataSize(evt.Data)
	if err != nil {
		return errs.New("eventbus/trigger", errs.CodeInvalid,
			errs.WithMessage("event data is not encodable"),
			errs.WithField("event_type", evt.Type),
			errs.WithCause(err))
	}
	if size > capBytes {
		return errs.New("eventbus/trigger", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("event data %d bytes exceeds cap %d bytes", size, capBytes)),
			errs.WithField("event_type", evt.Type))
	}
	return nil
}

func dataSize(data any) (int, error) {
	switch v := data.(type) {
	case nil:
		return 0, nil
	case []byte:
		return len(v), nil
	case string:
		return len(v), nil
	case json.RawMessage:
		return len(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return 0, err
		}
		return len(raw), nil
	}
}
