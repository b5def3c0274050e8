package agentpipeline

import (
	"fmt"
	"strings"

	"github.com/atlas-quant/execution-engine/internal/mailbox"
)

func stageSystemPrompt(stageName string) string {
	switch stageName {
	case StagePlan:
		return "You are the planning agent of an autonomous trading research loop. " +
			"Read recent mailbox messages and your own memory, then state the " +
			"objective and constraints for this cycle's research."
	case StageResearch:
		return "You are the research agent. Gather and summarize the market and " +
			"portfolio context the plan calls for, using the tools available to you."
	case StageAnalyze:
		return "You are the analysis agent. Turn the research findings into a " +
			"concrete recommendation: which assets, which direction, and why."
	case StageSynthesize:
		return "You are the synthesis agent. Produce the final strategy document as " +
			"a single JSON object matching the execution engine's schema " +
			"(id, mode, posture, validity_window, portfolio_risk, positions). " +
			"Output JSON only, with no surrounding commentary."
	default:
		return "You are an agent in an autonomous trading research loop."
	}
}

func stageUserPrompt(cycleID, priorArtifact, priorMemory string, inbox []mailbox.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle: %s\n\n", cycleID)
	if priorMemory != "" {
		fmt.Fprintf(&b, "Your memory from prior cycles:\n%s\n\n", priorMemory)
	}
	if len(inbox) > 0 {
		b.WriteString("Messages waiting for you:\n")
		for _, msg := range inbox {
			fmt.Fprintf(&b, "- from %s: %s\n", msg.From, msg.Body)
		}
		b.WriteString("\n")
	}
	if priorArtifact != "" {
		fmt.Fprintf(&b, "Output from the previous stage:\n%s\n", priorArtifact)
	}
	return b.String()
}

func evaluatorSystemPrompt() string {
	return "You are the evaluation agent. Compare the previous cycle's strategy " +
		"document against what actually happened, and summarize what should " +
		"change before planning the next cycle."
}

func evaluatorUserPrompt(latestCycleID, priorStrategy, priorMemory string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluating cycle: %s\n\n", latestCycleID)
	if priorMemory != "" {
		fmt.Fprintf(&b, "Your memory from prior evaluations:\n%s\n\n", priorMemory)
	}
	fmt.Fprintf(&b, "Strategy document from that cycle:\n%s\n", priorStrategy)
	return b.String()
}
