package simulate

import (
	"regexp"
	"strings"
)

// Label marks every simulated output so it can never be mistaken for a real run
const Label = "[simulation mode]"

// NoOutputMessage is reported when a program that passes the checks prints nothing
const NoOutputMessage = "Program executed successfully with no output."

// Result is the outcome of a simulated compile and run
type Result struct {
	Success bool
	Output  string
	Error   string
}

type check struct {
	fails   func(source string) bool
	message string
}

var (
	mutDeclaration      = regexp.MustCompile(`\bmut\b`)
	typedMutDeclaration = regexp.MustCompile(`\bmut\s+\w+\s*:`)
	numberPlusString    = regexp.MustCompile(`\w+\s*=\s*\w+\s*\+\s*"[^"\n]*"`)
	ifWithoutBlock      = regexp.MustCompile(`(?m)^\s*(?:}\s*)?(?:else\s+)?if\b[^{\n]*$`)
	printCall           = regexp.MustCompile(`io\.print\s*\(\s*"([^"]*)"\s*\)`)
)

// Checks run in order; the first that fails decides the result
var checks = []check{
	{
		fails:   func(src string) bool { return !strings.Contains(src, "fn main()") },
		message: "Error: No main function found",
	},
	{
		fails:   func(src string) bool { return strings.Contains(src, "// ERROR") },
		message: "Error: Syntax error in code",
	},
	{
		fails: func(src string) bool {
			return mutDeclaration.MatchString(src) && !typedMutDeclaration.MatchString(src)
		},
		message: "Error: Mutable variable declarations require a type annotation",
	},
	{
		fails:   numberPlusString.MatchString,
		message: "Error: Cannot add numeric and string types",
	},
	{
		fails:   ifWithoutBlock.MatchString,
		message: "Error: Missing block after if condition",
	},
}

// Run approximates compiling and running source without executing anything
func Run(source string) Result {
	for _, c := range checks {
		if c.fails(source) {
			return Result{Success: false, Output: Label, Error: c.message}
		}
	}

	var lines []string
	for _, match := range printCall.FindAllStringSubmatch(source, -1) {
		lines = append(lines, match[1])
	}
	if len(lines) == 0 {
		lines = []string{NoOutputMessage}
	}

	return Result{
		Success: true,
		Output:  Label + " " + strings.Join(lines, "\n") + "\n",
	}
}
