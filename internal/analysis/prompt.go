package analysis

import "fmt"

// ItemsPerSide is the number of pros and the number of cons every analysis
// carries.
const ItemsPerSide = 3

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

type Message struct {
	Role    Role
	Content string
}

const systemInstruction = "You are a helpful assistant that analyzes decisions by providing pros and cons. " +
	"Provide exactly 3 pros and 3 cons in a JSON format."

// BuildPrompt returns the fixed two-message conversation for question. The
// question is embedded verbatim.
func BuildPrompt(question string) []Message {
	return []Message{
		{Role: RoleSystem, Content: systemInstruction},
		{
			Role: RoleUser,
			Content: fmt.Sprintf("Analyze this decision: %s. Respond in this exact JSON format: "+
				`{"pros": ["pro1", "pro2", "pro3"], "cons": ["con1", "con2", "con3"]}`+
				" with exactly %d strings in each array and nothing outside the JSON object.",
				question, ItemsPerSide),
		},
	}
}
