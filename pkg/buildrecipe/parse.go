package buildrecipe

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"

	"verifiedid-verifier/pkg/domain/errors"
)

// stage is the flat instruction list between two FROM lines.
type stage struct {
	base    string
	name    string
	workdir string
	env     []EnvVar
	copies  []copyInstr
	runs    []runInstr
	expose  int
	cmd     []string
	isEntry bool
	line    int
}

type copyInstr struct {
	step CopyStep
	line int
}

type runInstr struct {
	cmd  string
	line int
}

// Parse reads a Dockerfile produced by Render (or written in the same shape)
// back into a Recipe. The result is not validated.
func Parse(r io.Reader) (*Recipe, error) {
	result, err := parser.Parse(r)
	if err != nil {
		return nil, errors.New(errors.CodeDockerfileSyntax, domain, "failed to parse Dockerfile", err)
	}

	var stages []*stage
	for _, node := range result.AST.Children {
		instr := strings.ToLower(node.Value)
		if instr != "from" && len(stages) == 0 {
			return nil, syntaxError(node.StartLine, "%s before FROM", strings.ToUpper(instr))
		}

		var cur *stage
		if len(stages) > 0 {
			cur = stages[len(stages)-1]
		}

		switch instr {
		case "from":
			args := nodeArgs(node)
			st := &stage{line: node.StartLine}
			switch {
			case len(args) == 1:
				st.base = args[0]
			case len(args) == 3 && strings.EqualFold(args[1], "as"):
				st.base, st.name = args[0], args[2]
			default:
				return nil, syntaxError(node.StartLine, "FROM expects an image and an optional AS name")
			}
			stages = append(stages, st)
		case "workdir":
			cur.workdir = firstArg(node)
		case "env":
			cur.env = append(cur.env, envPairs(node)...)
		case "copy":
			args := nodeArgs(node)
			if len(args) < 2 {
				return nil, syntaxError(node.StartLine, "COPY needs a source and a destination")
			}
			step := CopyStep{Src: args[:len(args)-1], Dest: args[len(args)-1]}
			for _, flag := range node.Flags {
				if strings.HasPrefix(flag, "--from=") {
					step.From = strings.TrimPrefix(flag, "--from=")
				}
			}
			cur.copies = append(cur.copies, copyInstr{step: step, line: node.StartLine})
		case "run":
			cur.runs = append(cur.runs, runInstr{cmd: strings.Join(nodeArgs(node), " "), line: node.StartLine})
		case "expose":
			port, err := strconv.Atoi(strings.TrimSuffix(firstArg(node), "/tcp"))
			if err != nil {
				return nil, syntaxError(node.StartLine, "EXPOSE expects a TCP port, got %q", firstArg(node))
			}
			cur.expose = port
		case "cmd", "entrypoint":
			args := nodeArgs(node)
			if !node.Attributes["json"] && len(args) == 1 {
				args = strings.Fields(args[0])
			}
			cur.cmd = args
			cur.isEntry = instr == "entrypoint"
		default:
			return nil, errors.New(errors.CodeRecipeInvalid, domain,
				fmt.Sprintf("line %d: unsupported instruction %s", node.StartLine, strings.ToUpper(instr)), nil)
		}
	}

	switch len(stages) {
	case 0:
		return nil, errors.New(errors.CodeRecipeInvalid, domain, "Dockerfile has no FROM instruction", nil)
	case 1:
		return finalStage(stages[0], nil)
	case 2:
		builder, err := builderStage(stages[0])
		if err != nil {
			return nil, err
		}
		return finalStage(stages[1], builder)
	default:
		return nil, syntaxError(stages[2].line, "at most one builder stage is supported")
	}
}

func builderStage(st *stage) (*BuildStage, error) {
	if st.name == "" {
		return nil, syntaxError(st.line, "builder stage must be named with AS")
	}
	b := &BuildStage{Name: st.name, Base: st.base, Workdir: st.workdir}

	switch len(st.runs) {
	case 1:
		b.Build = st.runs[0].cmd
	case 2:
		b.Install, b.Build = st.runs[0].cmd, st.runs[1].cmd
		for _, c := range st.copies {
			if c.line < st.runs[0].line {
				b.Manifest = append(b.Manifest, c.step.Src...)
			}
		}
	default:
		return nil, syntaxError(st.line, "builder stage needs one build RUN, optionally preceded by an install RUN")
	}
	return b, nil
}

func finalStage(st *stage, builder *BuildStage) (*Recipe, error) {
	r := &Recipe{
		Builder:       builder,
		Base:          st.base,
		Workdir:       st.workdir,
		Env:           st.env,
		Expose:        st.expose,
		Entrypoint:    st.cmd,
		UseEntrypoint: st.isEntry,
	}

	if len(st.runs) > 1 {
		return nil, syntaxError(st.runs[1].line, "final stage supports a single install RUN")
	}

	var before, after []copyInstr
	for _, c := range st.copies {
		if len(st.runs) == 1 && c.line < st.runs[0].line {
			before = append(before, c)
		} else {
			after = append(after, c)
		}
	}

	if len(st.runs) == 1 {
		r.Install = st.runs[0].cmd
		if len(before) != 1 || len(before[0].step.Src) != 1 {
			return nil, syntaxError(st.runs[0].line, "install RUN must follow a single manifest COPY")
		}
		r.Manifest = before[0].step.Src[0]
	}

	if len(after) != 1 {
		return nil, syntaxError(st.line, "final stage needs exactly one source COPY, found %d", len(after))
	}
	r.Copy = after[0].step
	return r, nil
}

func nodeArgs(node *parser.Node) []string {
	var args []string
	for n := node.Next; n != nil; n = n.Next {
		args = append(args, n.Value)
	}
	return args
}

func firstArg(node *parser.Node) string {
	if node.Next == nil {
		return ""
	}
	return node.Next.Value
}

// envPairs walks the key, value, separator triples the parser emits for ENV.
func envPairs(node *parser.Node) []EnvVar {
	var out []EnvVar
	for n := node.Next; n != nil && n.Next != nil; {
		value := n.Next.Value
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		out = append(out, EnvVar{Key: n.Value, Value: value})
		n = n.Next.Next
		if n != nil {
			n = n.Next
		}
	}
	return out
}

func syntaxError(line int, format string, args ...interface{}) error {
	return errors.New(errors.CodeDockerfileSyntax, domain, fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)), nil)
}
