package utils

import (
	"bytes"
	"fmt"
	"text/template"

	"leadflow/models"
)

// Strategy is the angle chosen for one generated email.
type Strategy struct {
	Angle        string `json:"angle"` // trigger-led, pain-hypothesis, case-study
	Tone         string `json:"tone"`
	CallToAction string `json:"call_to_action"`
}

// GenerateResult carries generated content plus an explicit flag telling the
// caller whether the templated fallback was used instead of the primary
// generator. Callers log fallback use; they never have to parse errors to
// find out.
type GenerateResult struct {
	SubjectOptions []string
	Body           string
	FallbackUsed   bool
}

// Generator produces email content for one touch. Implementations must be
// pure: no side effects, same inputs give same outputs.
type Generator interface {
	Generate(lead *models.Lead, research *models.LeadResearch, profile *CompanyProfile, strategy Strategy, touchNumber int) (GenerateResult, error)
}

// DetermineStrategy picks an angle from the research signals. Trigger-led
// beats pain-hypothesis beats the generic case-study fallback.
func DetermineStrategy(research *models.LeadResearch) Strategy {
	strategy := Strategy{
		Angle:        "case-study",
		Tone:         "professional",
		CallToAction: "open to a quick call next week?",
	}
	if research == nil {
		return strategy
	}

	switch {
	case len(research.Triggers) > 0:
		strategy.Angle = "trigger-led"
	case len(research.PainIndicators) > 0:
		strategy.Angle = "pain-hypothesis"
	}
	if research.Seniority == "executive" {
		strategy.Tone = "concise"
		strategy.CallToAction = "worth a short conversation?"
	}
	return strategy
}

var touchTemplates = map[int]string{
	1: `Hi {{.FirstName}},

{{.Opener}}

{{.Positioning}}. {{.CTA}}

Best,
{{.CompanyName}}`,
	2: `Hi {{.FirstName}},

Wanted to make sure my last note didn't get buried. {{.Opener}}

{{.CTA}}

Best,
{{.CompanyName}}`,
}

const followUpTemplate = `Hi {{.FirstName}},

Circling back one more time. {{.Positioning}}.

If the timing isn't right, happy to close the loop here. {{.CTA}}

Best,
{{.CompanyName}}`

type templateData struct {
	FirstName   string
	Opener      string
	Positioning string
	CTA         string
	CompanyName string
}

// TemplateGenerator renders deterministic templated drafts. It is the
// built-in generator and also serves as the fallback content when an external
// generator fails.
type TemplateGenerator struct{}

func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

func (g *TemplateGenerator) Generate(lead *models.Lead, research *models.LeadResearch, profile *CompanyProfile, strategy Strategy, touchNumber int) (GenerateResult, error) {
	tmplText, ok := touchTemplates[touchNumber]
	if !ok {
		tmplText = followUpTemplate
	}

	tmpl, err := template.New("touch").Parse(tmplText)
	if err != nil {
		return GenerateResult{}, err
	}

	firstName := lead.FirstName
	if firstName == "" {
		firstName = "there"
	}

	companyName := ""
	positioning := "We help companies succeed"
	if profile != nil {
		companyName = profile.Name
		positioning = profile.Positioning
	}

	opener := fmt.Sprintf("I came across %s and thought I'd reach out.", lead.CompanyName)
	if research != nil {
		switch strategy.Angle {
		case "trigger-led":
			opener = fmt.Sprintf("Noticed %s recently: %s.", lead.CompanyName, research.Triggers[0])
		case "pain-hypothesis":
			opener = fmt.Sprintf("Teams like %s often run into %s.", lead.CompanyName, research.PainIndicators[0])
		}
	}

	var body bytes.Buffer
	err = tmpl.Execute(&body, templateData{
		FirstName:   firstName,
		Opener:      opener,
		Positioning: positioning,
		CTA:         strategy.CallToAction,
		CompanyName: companyName,
	})
	if err != nil {
		return GenerateResult{}, err
	}

	subjects := subjectOptions(lead, touchNumber)
	return GenerateResult{
		SubjectOptions: subjects,
		Body:           body.String(),
	}, nil
}

func subjectOptions(lead *models.Lead, touchNumber int) []string {
	if touchNumber == 1 {
		return []string{
			fmt.Sprintf("Quick question about %s", lead.CompanyName),
			fmt.Sprintf("Idea for %s", lead.CompanyName),
		}
	}
	return []string{
		fmt.Sprintf("Re: Quick question about %s", lead.CompanyName),
		"Following up",
	}
}

// FallbackGenerator wraps a primary generator and degrades to templated
// content when the primary fails. The result flags the degradation instead
// of surfacing an error.
type FallbackGenerator struct {
	Primary  Generator
	fallback *TemplateGenerator
}

func NewFallbackGenerator(primary Generator) *FallbackGenerator {
	return &FallbackGenerator{
		Primary:  primary,
		fallback: NewTemplateGenerator(),
	}
}

func (g *FallbackGenerator) Generate(lead *models.Lead, research *models.LeadResearch, profile *CompanyProfile, strategy Strategy, touchNumber int) (GenerateResult, error) {
	result, err := g.Primary.Generate(lead, research, profile, strategy, touchNumber)
	if err == nil {
		return result, nil
	}

	result, ferr := g.fallback.Generate(lead, research, profile, strategy, touchNumber)
	if ferr != nil {
		return GenerateResult{}, fmt.Errorf("generation failed (%v) and fallback failed: %w", err, ferr)
	}
	result.FallbackUsed = true
	return result, nil
}
