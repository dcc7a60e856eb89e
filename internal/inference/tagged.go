package inference

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/example/malcare/internal/prediction"
)

const (
	CallPrimary = "primary"
	CallStage   = "stage"
)

// splitTagged returns the Ok payload of a tagged result, or the error the
// Err payload or an unexpected shape maps to. Tag absence never implies the
// other tag.
func splitTagged(call string, resp map[string]any) (any, error) {
	if resp == nil {
		return nil, &prediction.MalformedResponseError{Call: call, Reason: "empty response"}
	}
	okVal, hasOk := lookupTag(resp, "Ok", "ok")
	errVal, hasErr := lookupTag(resp, "Err", "err")

	switch {
	case hasOk && hasErr:
		return nil, &prediction.MalformedResponseError{Call: call, Reason: "both ok and err tags present"}
	case hasErr:
		return nil, &prediction.ClassificationError{Call: call, Message: errorText(errVal)}
	case hasOk:
		return okVal, nil
	default:
		return nil, &prediction.MalformedResponseError{Call: call, Reason: "no ok or err tag, got keys " + keysOf(resp)}
	}
}

// DecodeClassification decodes {Ok: [classIndex, label, score]} or {Err: msg}.
func DecodeClassification(resp map[string]any) (*Classification, error) {
	payload, err := splitTagged(CallPrimary, resp)
	if err != nil {
		return nil, err
	}
	tuple, ok := payload.([]any)
	if !ok || len(tuple) != 3 {
		return nil, malformed(CallPrimary, "ok payload is not a [index, label, score] tuple")
	}
	index, ok := asNumber(tuple[0])
	if !ok || index != math.Trunc(index) || index < 0 {
		return nil, malformed(CallPrimary, "class index is not a non-negative integer")
	}
	label, ok := tuple[1].(string)
	if !ok || label == "" {
		return nil, malformed(CallPrimary, "label is not a string")
	}
	score, ok := asNumber(tuple[2])
	if !ok || score < 0 || score > 1 {
		return nil, malformed(CallPrimary, "score is not a probability")
	}
	return &Classification{ClassIndex: int(index), Label: label, Score: score}, nil
}

// DecodeStage decodes {Ok: [stageLabel, confidence]} or {Err: msg}.
func DecodeStage(resp map[string]any) (*StageClassification, error) {
	payload, err := splitTagged(CallStage, resp)
	if err != nil {
		return nil, err
	}
	tuple, ok := payload.([]any)
	if !ok || len(tuple) != 2 {
		return nil, malformed(CallStage, "ok payload is not a [label, confidence] tuple")
	}
	label, ok := tuple[0].(string)
	if !ok || label == "" {
		return nil, malformed(CallStage, "stage label is not a string")
	}
	confidence, ok := asNumber(tuple[1])
	if !ok || confidence < 0 || confidence > 1 {
		return nil, malformed(CallStage, "stage confidence is not a probability")
	}
	return &StageClassification{Label: label, Confidence: confidence}, nil
}

func malformed(call, reason string) error {
	return &prediction.MalformedResponseError{Call: call, Reason: reason}
}

func lookupTag(resp map[string]any, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := resp[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func errorText(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case nil:
		return "unknown error"
	default:
		return fmt.Sprint(e)
	}
}

func keysOf(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "[" + strings.Join(keys, ", ") + "]"
}
