package logging

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

var clfFields = [...]string{
	"request-id", "name", "context", "template", "request.kind", "request.state", "status",
}

// CommonLogFormat implements the logrus.Formatter interface. It writes each
// entry as a single line with a fixed set of fields:
//
//	<time> <level> <request-id> <name> <context> <template> <request.kind> <request.state> <status> "<message>" [error]
//
// If a field is not known, the hyphen symbol (-) will be used.
type CommonLogFormat struct{}

// Format implements the logrus.Formatter interface.
func (f *CommonLogFormat) Format(entry *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(entry.Time.UTC().Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(entry.Level.String())
	for _, name := range clfFields {
		buf.WriteByte(' ')
		buf.WriteString(formatValue(entry.Data[name]))
	}
	buf.WriteByte(' ')
	buf.WriteString(strconv.Quote(entry.Message))
	if err, ok := entry.Data[ErrorKey]; ok {
		buf.WriteByte(' ')
		buf.WriteString(strconv.Quote(formatValue(err)))
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func formatValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case error:
		return v.Error()
	case string:
		if v == "" {
			return "-"
		}
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	case time.Duration:
		return strconv.FormatInt(int64(v/time.Millisecond), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
