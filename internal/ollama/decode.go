package ollama

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// decodeReply разбирает ответ generate, не доверяя его форме.
// Имеющиеся поля приводятся к нужному типу, отсутствующие и негодные получают значения
// по умолчанию: модель из запроса, пустой текст, done = defaultDone.
// ok == false, если data вообще не JSON-объект.
func decodeReply(data []byte, requestedModel string, defaultDone bool) (Reply, bool) {
	reply := Reply{Model: requestedModel, Done: defaultDone}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return reply, false
	}

	if v, ok := asString(fields["model"]); ok && v != "" {
		reply.Model = v
	}
	if v, ok := asString(fields["response"]); ok {
		reply.Text = v
	}
	if v, ok := asBool(fields["done"]); ok {
		reply.Done = v
	}
	if v, ok := asString(fields["created_at"]); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			reply.CreatedAt = ts.UTC()
		}
	}
	reply.Context = asInts(fields["context"])
	reply.TotalDuration = asDuration(fields["total_duration"])
	reply.LoadDuration = asDuration(fields["load_duration"])
	reply.PromptEvalDuration = asDuration(fields["prompt_eval_duration"])
	reply.EvalDuration = asDuration(fields["eval_duration"])

	return reply, true
}

func asString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func asBool(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	case json.Number:
		f, err := t.Float64()
		return f != 0, err == nil
	default:
		return false, false
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(f), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// asInts разбирает токен продолжения. Токен с негодным элементом отбрасывается целиком.
func asInts(raw json.RawMessage) []int {
	if len(raw) == 0 {
		return nil
	}
	var items []any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil || len(items) == 0 {
		return nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := asInt64(item)
		if !ok {
			return nil
		}
		out = append(out, int(n))
	}
	return out
}

func asDuration(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0
	}
	n, ok := asInt64(v)
	if !ok || n < 0 {
		return 0
	}
	return time.Duration(n)
}
