// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package greeter

import "fmt"

// Defaults used when a request leaves a field empty.
const (
	DefaultName         = "World"
	DefaultFarewellName = "Friend"
	DefaultLanguage     = "en"
	DefaultStyle        = "normal"
	DefaultFarewell     = "casual"
)

type phraseKey struct {
	language string
	style    string
}

// Language specific phrases win over style-only ones. An empty style
// matches any style for that language.
var greetings = map[phraseKey]string{
	{"es", "formal"}: "Estimado/a %s, es un honor saludarle.",
	{"es", ""}:       "¡Hola, %s!",
	{"fr", "formal"}: "Bonjour %s, c'est un plaisir de vous rencontrer.",
	{"fr", ""}:       "Salut, %s !",
	{"de", "formal"}: "Guten Tag, %s. Es ist mir eine Ehre.",
	{"de", ""}:       "Hallo, %s!",
	{"ja", "formal"}: "%s様、はじめまして。",
	{"ja", ""}:       "こんにちは、%sさん！",
	{"zh", ""}:       "你好，%s！",
	{"it", ""}:       "Ciao, %s!",
	{"pt", ""}:       "Olá, %s!",
	{"ru", ""}:       "Привет, %s!",
	{"", "epic"}:     "Hail, %s! Your presence brings light to these digital realms!",
	{"", "pirate"}:   "Ahoy there, %s ye scallywag!",
	{"", "robot"}:    "GREETINGS, %s. SOCIAL PROTOCOL INITIATED.",
	{"", "medieval"}: "Well met, good %s! May thy journey be prosperous!",
}

var farewells = map[string]string{
	"formal":   "Farewell, %s. Until we meet again.",
	"pirate":   "Fair winds and following seas, %s me hearty!",
	"robot":    "GOODBYE, %s. TERMINATING SOCIAL INTERACTION.",
	"medieval": "Fare thee well, good %s! May fortune smile upon thee!",
	"epic":     "May your path be ever lit by starlight, %s!",
	"sad":      "I'll miss you, %s... Please come back soon!",
}

// Greeting renders the greeting for name in language and style.
func Greeting(name, language, style string) string {
	for _, key := range []phraseKey{{language, style}, {language, ""}, {"", style}} {
		if format, ok := greetings[key]; ok {
			return fmt.Sprintf(format, name)
		}
	}
	return fmt.Sprintf("Hello, %s!", name)
}

// Farewell renders the farewell for name in style.
func Farewell(name, style string) string {
	if format, ok := farewells[style]; ok {
		return fmt.Sprintf(format, name)
	}
	return fmt.Sprintf("See you later, %s!", name)
}
