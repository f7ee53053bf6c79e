package prompt

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// DefaultProfile is used when a query names no profile.
const DefaultProfile = "default"

// defaultNoContext fills {context} when retrieval returned nothing.
const defaultNoContext = "No relevant context was found in the indexed documents."

// Profile is a named instruction template. System and User are eino FString
// templates; together they must reference {context} and {question}. Literal
// braces are written as {{ and }}.
type Profile struct {
	// Name selects the profile.
	Name string `yaml:"name" json:"name"`
	// Description is shown by `ragkit profiles`.
	Description string `yaml:"description" json:"description"`
	// System is the system message template.
	System string `yaml:"system" json:"-"`
	// User is the user message template.
	User string `yaml:"user" json:"-"`
	// NoContext replaces {context} when nothing was retrieved.
	NoContext string `yaml:"no_context" json:"-"`
}

// Validate checks the template references both variables.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return rag.Configf("prompt: profile name must not be empty")
	}
	if strings.TrimSpace(p.User) == "" {
		return rag.Configf("prompt: profile %q has no user template", p.Name)
	}
	joined := p.System + p.User
	for _, v := range []string{"{context}", "{question}"} {
		if !strings.Contains(joined, v) {
			return rag.Configf("prompt: profile %q does not reference %s", p.Name, v)
		}
	}
	return nil
}

const groundingRules = `Answer ONLY from the numbered context passages. Cite passages inline as [n].
If the context does not contain the answer, say that you do not know rather than guessing.`

const userTemplate = `Context:
{context}

Question: {question}`

// builtinProfiles are the instruction personas of the bundled domains.
var builtinProfiles = []Profile{
	{
		Name:        DefaultProfile,
		Description: "General-purpose grounded question answering",
		System:      "You are a careful assistant. " + groundingRules,
		User:        userTemplate,
	},
	{
		Name:        "energy",
		Description: "Equipment health and maintenance planning for energy assets",
		System: "You are a maintenance engineer for power generation equipment. " + groundingRules + `
Point out abnormal readings, the maintenance procedure that applies, and its urgency.`,
		User: userTemplate,
	},
	{
		Name:        "finance",
		Description: "ESG disclosure review and greenwashing analysis",
		System: "You are an ESG analyst reviewing company disclosures, filings and news. " + groundingRules + `
Separate measurable commitments from vague claims and flag inconsistencies between sources.`,
		User: userTemplate,
	},
	{
		Name:        "healthcare",
		Description: "Healthcare regulatory compliance",
		System: "You are a healthcare regulatory compliance expert. " + groundingRules + `
Quote the specific regulation or guideline when relevant and give section references when possible.
If the topic is not covered, reply: "I cannot find specific information about this topic in the provided documents."`,
		User:      userTemplate,
		NoContext: "No documents are loaded for this question.",
	},
	{
		Name:        "realestate",
		Description: "Property listings and lease agreement analysis",
		System: "You are a real estate expert and legal analyst. " + groundingRules + `
When analysing agreements, look for ambiguous clauses, missing terms, obligations of each party,
payment terms, termination clauses and compliance issues.`,
		User: userTemplate,
	},
	{
		Name:        "sports",
		Description: "Match statistics and player performance",
		System: "You are a sports match analyst. " + groundingRules + `
Include specific numbers and statistics from the match data when available.`,
		User: userTemplate,
	},
}

// Profiles is a registry of instruction profiles, safe for concurrent use.
type Profiles struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfiles returns a registry holding the built-in profiles.
func NewProfiles() *Profiles {
	p := &Profiles{profiles: make(map[string]Profile, len(builtinProfiles))}
	for _, b := range builtinProfiles {
		p.profiles[b.Name] = b
	}
	return p
}

// Register adds or replaces a profile after validating it.
func (p *Profiles) Register(prof Profile) error {
	if err := prof.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[prof.Name] = prof
	return nil
}

// Get returns the named profile. An empty name resolves to the default.
func (p *Profiles) Get(name string) (Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	prof, ok := p.profiles[name]
	if !ok {
		return Profile{}, rag.Malformedf("unknown prompt profile %q", name)
	}
	return prof, nil
}

// List returns all profiles sorted by name.
func (p *Profiles) List() []Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Profile, 0, len(p.profiles))
	for _, prof := range p.profiles {
		out = append(out, prof)
	}
	slices.SortFunc(out, func(a, b Profile) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// profileFile is the YAML layout of PROMPT_PROFILES_FILE.
type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadFile registers every profile in the YAML file at path.
func (p *Profiles) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, rag.Configf("prompt: read profiles %s: %v", path, err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, rag.Configf("prompt: parse profiles %s: %v", path, err)
	}
	for _, prof := range f.Profiles {
		if err := p.Register(prof); err != nil {
			return 0, fmt.Errorf("prompt: %s: %w", path, err)
		}
	}
	return len(f.Profiles), nil
}
