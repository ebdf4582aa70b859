package agent

import "embed"

//go:embed prompts/*.txt
var promptFS embed.FS

func mustPrompt(name string) string {
	raw, err := promptFS.ReadFile("prompts/" + name)
	if err != nil {
		panic("agent: missing embedded prompt " + name)
	}
	return string(raw)
}

var (
	systemPrompt       = mustPrompt("system_ru.txt")
	orchestratorPrompt = mustPrompt("orchestrator_ru.txt")
	fusionPrompt       = mustPrompt("fusion_ru.txt")
)
