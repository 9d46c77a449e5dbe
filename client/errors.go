package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/habedi/convo/pkg/apierr"
)

type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Field   string          `json:"field"`
}

type validationItem struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// parseErrorBody classifies a non-2xx response. It understands
// {"detail": "..."}, FastAPI's {"detail": [{"loc": [...], "msg": ...}]}
// and {"message", "code", "field"}; anything else becomes the message verbatim.
func parseErrorBody(status int, data []byte) error {
	data = bytes.TrimSpace(data)
	var eb errorBody
	if len(data) == 0 || json.Unmarshal(data, &eb) != nil {
		return apierr.FromStatus(status, "", truncate(string(data), 200), "")
	}

	message, code, field := eb.Message, eb.Code, eb.Field
	if message == "" {
		message = eb.Error
	}

	if len(eb.Detail) > 0 {
		var detail string
		var items []validationItem
		switch {
		case json.Unmarshal(eb.Detail, &detail) == nil:
			message = detail
		case json.Unmarshal(eb.Detail, &items) == nil && len(items) > 0:
			first := items[0]
			message = first.Msg
			if code == "" {
				code = first.Type
			}
			if n := len(first.Loc); n > 0 {
				field = fmt.Sprint(first.Loc[n-1])
			}
			if len(items) > 1 {
				message = fmt.Sprintf("%s (and %d more)", message, len(items)-1)
			}
		}
	}
	return apierr.FromStatus(status, code, message, field)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
