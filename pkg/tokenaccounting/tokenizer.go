package tokenaccounting

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// ChatMessage mirrors the {role, content, name?} shape parsed from request
// `messages` and reconstructed from streamed `delta` fragments (§4.7).
type ChatMessage struct {
	Role    string
	Content string
	Name    string
}

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	tkm, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return tkm, nil
	}
	return tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
}

// CountTokens tokenizes text under the model's BPE tokenizer, the direct
// analogue of the original's `bpe.encode_with_special_tokens(s).len()`.
func CountTokens(model, text string) (int, error) {
	tkm, err := encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(tkm.Encode(text, nil, nil)), nil
}

// NumTokensFromMessages implements the chat-message token formula
// referenced throughout §4.7 and the glossary: fixed per-message framing
// tokens on top of the BPE-tokenized content, following the widely-used
// OpenAI cookbook accounting (tokens-per-message/tokens-per-name vary for
// the legacy gpt-3.5-turbo-0301 snapshot).
func NumTokensFromMessages(model string, messages []ChatMessage) (int, error) {
	tkm, err := encodingFor(model)
	if err != nil {
		return 0, err
	}

	tokensPerMessage := 3
	tokensPerName := 1
	if strings.Contains(model, "gpt-3.5-turbo-0301") {
		tokensPerMessage = 4
		tokensPerName = -1
	}

	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += len(tkm.Encode(m.Role, nil, nil))
		total += len(tkm.Encode(m.Content, nil, nil))
		if m.Name != "" {
			total += len(tkm.Encode(m.Name, nil, nil))
			total += tokensPerName
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return total, nil
}
