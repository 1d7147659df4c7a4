package rating

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ignite/leadgen-engine/internal/repository/postgres"
)

// Prompt assembly. Instructions carry the task's own wording so the model
// rates against what the user actually asked for; the input is one JSON
// object per line so ids survive round-trip.

const cellPromptTemplate = `You rate how well each %s matches a B2B outreach audience.
The audience owner is looking for: %s
Context (%s): %s

For every input line respond with an entry {"id": <id>, "rate": <1-100>}.
100 means a perfect match, 1 means no match at all.
Respond with a single JSON array and nothing else.`

const contactPromptTemplate = `You rate how well each company matches a B2B outreach audience.
The audience owner is looking for: %s
Target client profile: %s

For every input line respond with an entry {"id": <id>, "rate": <1-100>}.
100 means a perfect match, 1 means no match at all.
Respond with a single JSON array and nothing else.`

// CellInstructions builds the system prompt for rating geo or branch values.
func CellInstructions(task *postgres.Task, kind string) string {
	noun := "city or region"
	if kind == "branches" {
		noun = "industry branch"
	}
	return fmt.Sprintf(cellPromptTemplate, noun, task.Main, kind, task.SubText(kind))
}

// ContactInstructions builds the system prompt for rating aggregate companies.
func ContactInstructions(task *postgres.Task) string {
	return fmt.Sprintf(contactPromptTemplate, task.Main, task.Client)
}

// CellInput renders cell payloads as JSON lines.
func CellInput(payloads []postgres.CellPayload) string {
	var b strings.Builder
	for _, p := range payloads {
		line, _ := json.Marshal(map[string]interface{}{"id": p.ID, "name": p.Name})
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// ContactInput renders aggregate company payloads as JSON lines. Only the
// normalized profile shard goes to the model; raw source shards stay home.
func ContactInput(payloads []postgres.ContactPayload) string {
	var b strings.Builder
	for _, p := range payloads {
		norm, _ := p.Profile["norm"].(map[string]interface{})
		line, _ := json.Marshal(map[string]interface{}{
			"id":     p.ID,
			"status": p.StatusData,
			"norm":   norm,
		})
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}
