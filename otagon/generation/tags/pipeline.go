package tags

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Step is one named rewrite applied to cleaned response text.
type Step struct {
	Name  string
	Apply func(string) string
}

// Pipeline applies its steps in order. Later steps assume earlier ones have
// already normalized spacing, so the order is part of the output format.
type Pipeline []Step

func (p Pipeline) Run(text string) string {
	for _, step := range p {
		text = step.Apply(text)
	}
	return text
}

// Step returns the named step, for running a single rewrite in isolation.
func (p Pipeline) Step(name string) (Step, bool) {
	for _, s := range p {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// SectionHeaders are the response sections that get their own paragraph.
var SectionHeaders = []string{"Hint", "Lore", "Places of Interest", "Strategy", "What to focus on"}

// DefaultPipeline is the cleanup chain run after tag extraction.
func DefaultPipeline() Pipeline {
	return Pipeline{
		{Name: "remove_orphaned_fragments", Apply: removeOrphanedFragments},
		{Name: "strip_self_intro", Apply: stripSelfIntro},
		{Name: "collapse_duplicate_hints", Apply: collapseDuplicateHints},
		{Name: "normalize_section_headers", Apply: normalizeSectionHeaders},
		{Name: "fix_bold_spacing", Apply: fixBoldSpacing},
		{Name: "strip_stray_brackets", Apply: stripStrayBrackets},
		{Name: "fix_list_formatting", Apply: fixListFormatting},
		{Name: "fix_word_spacing", Apply: fixWordSpacing},
		{Name: "collapse_blank_lines", Apply: collapseBlankLines},
		{Name: "balance_bold_markers", Apply: balanceBoldMarkers},
	}
}

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

func applyAll(text string, rules []rewrite) string {
	for _, r := range rules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

var orphanRules = []rewrite{
	{regexp.MustCompile(`\[OTAKON_[A-Z_]+:[^\]]*\]`), ""},
	{regexp.MustCompile(`(?m)^["'][^"'\n]*\?["'][ \t]*,?[ \t]*`), ""},
	{regexp.MustCompile(`(?im)^["'](?:and\s+)?\[\d+\][^"'\n]*\?["'][ \t]*,?[ \t]*`), ""},
	{regexp.MustCompile(`(?m)^["'][^"'\n]*\?["'][ \t]*\][ \t]*`), ""},
	{regexp.MustCompile(`(?m)^[^"'\n]*\?["'][ \t]*\][ \t]*`), ""},
	{regexp.MustCompile(`^(?:["'][^"']*["']\s*,?\s*)+\]`), ""},
}

// removeOrphanedFragments drops tag remnants and quoted suggestion pieces
// left behind by malformed tags.
func removeOrphanedFragments(text string) string {
	return applyAll(text, orphanRules)
}

var selfIntro = regexp.MustCompile(`(?i)^I['’]?m\s+Otagon,\s+your\s+dedicated\s+gaming\s+lore\s+expert[^\n]*\n*`)

func stripSelfIntro(text string) string {
	return selfIntro.ReplaceAllString(strings.TrimLeft(text, " \t\r\n"), "")
}

var repeatedHintPrefix = regexp.MustCompile(`(?i)hint:[ \t]*(?:hint:[ \t]*)+`)

// collapseDuplicateHints merges "Hint: Hint:" prefixes and drops a Hint line
// that repeats the previous Hint line.
func collapseDuplicateHints(text string) string {
	text = repeatedHintPrefix.ReplaceAllString(text, "Hint: ")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	lastHint := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out = append(out, line)
			continue
		}
		if !strings.HasPrefix(strings.ToLower(trimmed), "hint:") {
			lastHint = ""
			out = append(out, line)
			continue
		}
		if strings.EqualFold(trimmed, lastHint) {
			// drop the blank lines that separated the duplicate as well
			for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
				out = out[:len(out)-1]
			}
			continue
		}
		lastHint = trimmed
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

type headerRules struct {
	header string
	rules  []*regexp.Regexp
}

var sectionHeaderRules = buildHeaderRules(SectionHeaders)

func buildHeaderRules(headers []string) []headerRules {
	out := make([]headerRules, 0, len(headers))
	for _, header := range headers {
		h := strings.ReplaceAll(regexp.QuoteMeta(header), " ", `\s+`)
		out = append(out, headerRules{
			header: header,
			rules: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\*+\s*` + h + `(?:\s*[:*]+\s*:?|\s*:)\s*\**`),
				regexp.MustCompile(`(?i)\*\*\s*` + h + `\s*\*\*`),
				regexp.MustCompile(`(?i)\*\*\s+` + h + `([^:\w*]|$)`),
				regexp.MustCompile(`(?i)(?:^|\n)\s*` + h + `:\s*`),
			},
		})
	}
	return out
}

var repeatedColons = regexp.MustCompile(`:{2,}`)

// normalizeSectionHeaders rewrites every known header variant to a bold
// header standing in its own paragraph.
func normalizeSectionHeaders(text string) string {
	for _, hr := range sectionHeaderRules {
		canonical := "\n\n**" + hr.header + ":**\n\n"
		for i, re := range hr.rules {
			repl := canonical
			if i == 2 {
				repl = canonical + "${1}"
			}
			text = re.ReplaceAllString(text, repl)
		}
	}
	return repeatedColons.ReplaceAllString(text, ":")
}

var (
	boldPair     = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	emptyBold    = regexp.MustCompile(`\*\*[ \t]*\*\*`)
	loneBoldLine = regexp.MustCompile(`(?m)^[ \t]*\*\*[ \t]*$`)
)

// fixBoldSpacing trims the inside of bold spans ("**  text  **" becomes
// "**text**"), drops empty spans and separates spans from adjacent words.
// Pairs are matched left to right so a closing marker never pairs with the
// next opening one.
func fixBoldSpacing(text string) string {
	text = emptyBold.ReplaceAllString(text, "")
	text = loneBoldLine.ReplaceAllString(text, "")

	var b strings.Builder
	last := 0
	for _, loc := range boldPair.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		inner := strings.TrimSpace(text[loc[2]:loc[3]])
		b.WriteString(text[last:start])
		if inner == "" {
			last = end
			continue
		}
		if prev, _ := utf8.DecodeLastRuneInString(text[:start]); start > 0 && isWordRune(prev) {
			b.WriteByte(' ')
		}
		b.WriteString("**" + inner + "**")
		if next, _ := utf8.DecodeRuneInString(text[end:]); end < len(text) && unicode.IsLetter(next) {
			b.WriteByte(' ')
		}
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

var (
	trailingBracket = rewrite{regexp.MustCompile(`(?m)[ \t]*[\[\]][ \t]*$`), ""}
	floatingBracket = rewrite{regexp.MustCompile(`[ \t]+[\[\]][ \t]+`), " "}
	markdownLink    = regexp.MustCompile(`^\[[^\]\n]*\]\(`)
)

// stripStrayBrackets drops brackets left behind by removed tags. A line that
// opens with a markdown link keeps its bracket.
func stripStrayBrackets(text string) string {
	text = applyAll(text, []rewrite{trailingBracket})
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		rest := strings.TrimLeft(line, " \t")
		if rest == "" {
			continue
		}
		if rest[0] == ']' || (rest[0] == '[' && !markdownLink.MatchString(rest)) {
			lines[i] = rest[1:]
		}
	}
	return applyAll(strings.Join(lines, "\n"), []rewrite{floatingBracket})
}

var listRules = []rewrite{
	{regexp.MustCompile(`\.[ \t]*(\d+\.\s*\*\*)`), ".\n\n${1}"},
	{regexp.MustCompile(`\.[ \t]*(\d+\.[ \t]+[A-Z])`), ".\n\n${1}"},
	{regexp.MustCompile(`(?m)^(\d+)\.([A-Z])`), "${1}. ${2}"},
}

// fixListFormatting starts run-together numbered items on their own line.
func fixListFormatting(text string) string {
	return applyAll(text, listRules)
}

var wordSpacingRules = []rewrite{
	// colon glued to a capital, skipping URL schemes
	{regexp.MustCompile(`([^htfps*\s]):([A-Z])`), "${1}: ${2}"},
	// "likeContagion" -> "like Contagion"
	{regexp.MustCompile(`\b(like|or|and|the|a|an|for|with|from|to|in|on|at|by|as)([A-Z])`), "${1} ${2}"},
}

func fixWordSpacing(text string) string {
	return applyAll(text, wordSpacingRules)
}

var blankRun = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(text string) string {
	return strings.TrimSpace(blankRun.ReplaceAllString(text, "\n\n"))
}

var unbalancedBoldRules = []rewrite{
	{regexp.MustCompile(`\*\*\s*$`), ""},
	{regexp.MustCompile(`^\s*\*\*`), ""},
	{regexp.MustCompile(`\s\*\*\s+([A-Z])`), " ${1}"},
	{regexp.MustCompile(`(\w)\*\*([\s,.])`), "${1}${2}"},
}

// balanceBoldMarkers removes dangling "**" markers until the count is even.
func balanceBoldMarkers(text string) string {
	for _, r := range unbalancedBoldRules {
		if strings.Count(text, "**")%2 == 0 {
			break
		}
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return strings.TrimSpace(text)
}
