package qualification

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Opening-message templates per acquisition channel. Templates may reference
// {nome} and {canal}; unknown channels fall back to the flow engine's default
// opening.
var defaultOpeningTemplates = map[string]string{
	"youtube": "🎥 Olá, {nome}! Vi que você chegou até nós pelo nosso canal no YouTube!\n\n" +
		"Sou o assistente da LDC Capital, consultoria independente de investimentos, e quero te ajudar " +
		"com um diagnóstico financeiro gratuito.\n\n" +
		"Você tem alguns minutos para responder umas perguntas rápidas? Vai me ajudar a entender melhor seu perfil! 😊",
	"newsletter": "📧 Oi, {nome}! Vi que você acompanha nossa newsletter!\n\n" +
		"Sou o assistente da LDC Capital e quero te oferecer algo especial: um diagnóstico financeiro " +
		"personalizado e gratuito.\n\n" +
		"São perguntas rápidas que vão me ajudar a entender seu momento. Topa participar? 💰",
	"ebook": "📚 Olá, {nome}! Vi que você baixou nosso e-book!\n\n" +
		"Sou o assistente da LDC Capital e quero te ajudar ainda mais. Que tal um diagnóstico financeiro " +
		"gratuito e personalizado?\n\n" +
		"São só algumas perguntas para entender melhor seus objetivos. Vamos começar? 🚀",
	"meta_ads": "🎯 Oi, {nome}! Obrigado por se inscrever pela nossa campanha!\n\n" +
		"Sou o assistente da LDC Capital e quero te oferecer um diagnóstico financeiro completamente gratuito.\n\n" +
		"São perguntas rápidas para entender seu perfil. Você tem alguns minutos? 📈",
	"whatsapp": "Olá, {nome}! Tudo bem? 😊\n\n" +
		"Sou agente comercial da LDC Capital, uma consultoria independente de investimentos, e quero te ajudar!\n\n" +
		"Mas antes preciso entender suas demandas e objetivos financeiros. Você tem alguns minutinhos " +
		"para conversarmos sobre como melhorar seus investimentos? 💰",
}

// DefaultOpeningTemplates returns a copy of the built-in channel template table.
func DefaultOpeningTemplates() map[string]string {
	out := make(map[string]string, len(defaultOpeningTemplates))
	for k, v := range defaultOpeningTemplates {
		out[k] = v
	}
	return out
}

// LoadOpeningTemplates reads a YAML file mapping channel names to opening
// templates and merges it over the built-in table. Channels absent from the
// file keep their defaults.
func LoadOpeningTemplates(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read opening templates file: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse opening templates file: %w", err)
	}
	templates := DefaultOpeningTemplates()
	for canal, tpl := range overrides {
		templates[strings.ToLower(strings.TrimSpace(canal))] = tpl
	}
	return templates, nil
}

// renderTemplate substitutes the {nome} and {canal} tokens of an opening template.
func renderTemplate(template, nome, canal string) string {
	out := strings.ReplaceAll(template, "{nome}", nome)
	return strings.ReplaceAll(out, "{canal}", canal)
}
