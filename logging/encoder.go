package logging

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// lineEncoder renders entries as
//
//	LEVEL TIMESTAMP [component] message key=value ...
//
// with keys sorted so lines are stable.
type lineEncoder struct {
	*zapcore.MapObjectEncoder
}

func newLineEncoder() zapcore.Encoder {
	return lineEncoder{zapcore.NewMapObjectEncoder()}
}

func (e lineEncoder) Clone() zapcore.Encoder {
	c := zapcore.NewMapObjectEncoder()
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return lineEncoder{c}
}

func (e lineEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	all := zapcore.NewMapObjectEncoder()
	for k, v := range e.Fields {
		all.Fields[k] = v
	}
	for _, f := range fields {
		f.AddTo(all)
	}

	buf := bufferPool.Get()
	buf.AppendString(fmt.Sprintf("%-5s ", strings.ToUpper(ent.Level.String())))
	buf.AppendString(ent.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	if ent.LoggerName != "" {
		buf.AppendString(" [")
		buf.AppendString(ent.LoggerName)
		buf.AppendByte(']')
	}
	buf.AppendByte(' ')
	buf.AppendString(ent.Message)

	keys := make([]string, 0, len(all.Fields))
	for k := range all.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.AppendByte(' ')
		buf.AppendString(k)
		buf.AppendByte('=')
		buf.AppendString(fmt.Sprint(all.Fields[k]))
	}
	buf.AppendByte('\n')
	return buf, nil
}
