package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxQuestions caps the questions array.
const MaxQuestions = 3

// Reply corresponds to the WA_REPLY_V1 payload.
type Reply struct {
	Reply            string   `json:"reply"`
	Questions        []string `json:"questions"`
	SuggestedActions []string `json:"suggested_actions"`
}

// ValidationResult carries validation details.
type ValidationResult struct {
	IsValid bool
	Errors  []string
	Parsed  *Reply
}

// Validate checks a model response against a registered contract.
func Validate(contractName string, llmText string) (ValidationResult, error) {
	result := ValidationResult{}

	if !HasContract(contractName) {
		return result, fmt.Errorf("unknown contract: %s", contractName)
	}

	raw := strings.TrimSpace(llmText)
	if raw == "" {
		result.Errors = append(result.Errors, "пустой ответ модели")
		return result, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var resp Reply
	if err := dec.Decode(&resp); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("ошибка JSON: %v", err))
		return result, nil
	}
	if err := ensureSingleJSON(dec); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Parsed = &resp
	result.Errors = append(result.Errors, validateReply(&resp)...)
	result.IsValid = len(result.Errors) == 0

	return result, nil
}

func ensureSingleJSON(dec *json.Decoder) error {
	if dec.More() {
		return fmt.Errorf("в ответе найдено несколько JSON объектов")
	}

	var extra json.RawMessage
	if err := dec.Decode(&extra); err != nil && err != io.EOF {
		return fmt.Errorf("есть лишние данные после JSON: %v", err)
	}
	if len(bytes.TrimSpace(extra)) > 0 {
		return fmt.Errorf("есть лишние данные после JSON")
	}
	return nil
}

func validateReply(resp *Reply) []string {
	var errs []string

	if strings.TrimSpace(resp.Reply) == "" {
		errs = append(errs, "reply не должен быть пустым")
	}
	if resp.Questions == nil {
		errs = append(errs, "questions должен быть массивом (может быть пустым)")
	}
	if len(resp.Questions) > MaxQuestions {
		errs = append(errs, fmt.Sprintf("questions содержит больше %d элементов", MaxQuestions))
	}
	for i, q := range resp.Questions {
		if strings.TrimSpace(q) == "" {
			errs = append(errs, fmt.Sprintf("questions[%d] не должен быть пустым", i))
		}
	}
	if resp.SuggestedActions == nil {
		errs = append(errs, "suggested_actions должен быть массивом (может быть пустым)")
	}
	for i, a := range resp.SuggestedActions {
		if strings.TrimSpace(a) == "" {
			errs = append(errs, fmt.Sprintf("suggested_actions[%d] не должен быть пустым", i))
		}
	}

	return errs
}
