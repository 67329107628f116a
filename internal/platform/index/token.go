package index

import (
	"github.com/google/uuid"
)

// tokenNamespace is the fixed UUIDv5 namespace for token hashing. Changing it
// invalidates every stored token hash, so it is part of the schema contract.
var tokenNamespace = uuid.MustParse("f8f1b2a0-3c55-4b6a-9d0e-7a4a1c2d9e11")

// Token is a (system, code) pair with an optional display text.
type Token struct {
	System  string
	Code    string
	Display string
}

// Hash returns the deterministic 128-bit hash of "<system>|<code>" formatted
// as a UUID string. The same value is stored in the parameter's hash column
// and in the shared-token roll-up.
func (t Token) Hash() string {
	return uuid.NewSHA1(tokenNamespace, []byte(t.System+"|"+t.Code)).String()
}

// TextForm returns "system|code", or just "code" when the system is empty.
func (t Token) TextForm() string {
	if t.System == "" {
		return t.Code
	}
	return t.System + "|" + t.Code
}

// SortValue returns the display text when present, else the text form.
func (t Token) SortValue() string {
	if t.Display != "" {
		return t.Display
	}
	return t.TextForm()
}

// CoerceTokens converts one extracted value into its token list:
//
//   - bool            -> ("", "true"/"false")
//   - string          -> ("", code)
//   - Coding          -> (system, code)
//   - CodeableConcept -> one token per coding[], falling back to text
//   - Identifier      -> (system, value)
func CoerceTokens(v interface{}) []Token {
	switch val := v.(type) {
	case bool:
		if val {
			return []Token{{Code: "true"}}
		}
		return []Token{{Code: "false"}}
	case string:
		if val == "" {
			return nil
		}
		return []Token{{Code: val}}
	case map[string]interface{}:
		return coerceObjectTokens(val)
	case []interface{}:
		var out []Token
		for _, item := range val {
			out = append(out, CoerceTokens(item)...)
		}
		return out
	}
	return nil
}

func coerceObjectTokens(obj map[string]interface{}) []Token {
	// CodeableConcept: coding[] with a text fallback.
	if codings, ok := obj["coding"].([]interface{}); ok {
		var out []Token
		for _, c := range codings {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			tok := codingToken(cm)
			if tok.Code != "" || tok.System != "" {
				out = append(out, tok)
			}
		}
		if len(out) == 0 {
			if text, _ := obj["text"].(string); text != "" {
				out = append(out, Token{Code: text})
			}
		}
		return out
	}
	// Identifier: system + value.
	if value, ok := obj["value"].(string); ok {
		system, _ := obj["system"].(string)
		if value == "" && system == "" {
			return nil
		}
		return []Token{{System: system, Code: value}}
	}
	// Bare Coding.
	tok := codingToken(obj)
	if tok.Code == "" && tok.System == "" {
		return nil
	}
	return []Token{tok}
}

func codingToken(obj map[string]interface{}) Token {
	system, _ := obj["system"].(string)
	code, _ := obj["code"].(string)
	display, _ := obj["display"].(string)
	return Token{System: system, Code: code, Display: display}
}
