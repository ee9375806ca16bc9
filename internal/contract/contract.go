package contract

import (
	"fmt"
	"sort"
)

const (
	ContractWAReplyV1 = "WA_REPLY_V1"
)

type Contract struct {
	Name   string
	Schema string
}

var contractsRegistry = map[string]Contract{
	ContractWAReplyV1: {
		Name:   ContractWAReplyV1,
		Schema: contractJSONStructureWAReplyV1,
	},
}

// DefaultContract returns the default contract name.
func DefaultContract() string {
	return ContractWAReplyV1
}

// Instruction returns the output instruction appended to the prompt for the contract.
func Instruction(name string) (string, error) {
	contract, ok := contractsRegistry[name]
	if !ok {
		return "", fmt.Errorf("unknown contract: %s", name)
	}
	return fmt.Sprintf(instructionTemplate, contract.Schema, MaxQuestions), nil
}

// AvailableContracts returns a sorted list of supported contract names.
func AvailableContracts() []string {
	names := make([]string, 0, len(contractsRegistry))
	for name := range contractsRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasContract reports whether contract is registered.
func HasContract(name string) bool {
	_, ok := contractsRegistry[name]
	return ok
}

const contractJSONStructureWAReplyV1 = `{
  "reply": string,
  "questions": array of string,
  "suggested_actions": array of string
}`

const instructionTemplate = `OUTPUT FORMAT OVERRIDE:
Instead of plain text, output exactly ONE valid JSON object and NOTHING else:

%s

RULES:
- "reply" is the chat message text for the user and MUST NOT be empty.
- "questions" lists at most %d follow-up questions you asked inside "reply"; use [] if none.
- "suggested_actions" lists short next steps for the user; use [] if none.
- No markdown, no code fences, no extra fields.`
