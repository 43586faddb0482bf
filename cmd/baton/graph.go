package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/baton/pkg/pipeline"
)

func graphCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <job.hcl>",
		Short: "Print the step structure of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.parse(args[0])
			if err != nil {
				return err
			}
			switch strings.ToLower(format) {
			case "dot":
				out, err := renderDOT(job.Pipeline)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			case "text", "":
				fmt.Fprint(cmd.OutOrStdout(), renderText(job.Pipeline))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	return cmd
}

// truncate shortens s to maxLen chars, appending "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

func countSteps(p *pipeline.Pipeline) int {
	n := 0
	for _, s := range p.Steps() {
		n++
		if sub := s.Op.Sub(); sub != nil {
			n += countSteps(sub)
		}
	}
	return n
}

// renderText produces an indented outline of the steps and their
// handlers.
func renderText(p *pipeline.Pipeline) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job: %s  (%d steps)\n\n", p.Name, countSteps(p))
	writeSteps(&sb, p, "  ")
	return sb.String()
}

func writeSteps(sb *strings.Builder, p *pipeline.Pipeline, indent string) {
	width := 4
	for _, s := range p.Steps() {
		width = max(width, len(s.Name))
	}
	for i, s := range p.Steps() {
		desc := truncate(s.Op.String(), 72)
		if sub := s.Op.Sub(); sub != nil {
			desc = "each " + truncate(argText(s.Op), 60)
		}
		if s.Retry.Attempts > 1 {
			desc += fmt.Sprintf("  [retry %dx %s]", s.Retry.Attempts, s.Retry.Delay)
		}
		fmt.Fprintf(sb, "%s%d. %-*s  %s\n", indent, i+1, width, s.Name, desc)
		for _, h := range s.Chain {
			fmt.Fprintf(sb, "%s     %-5s  %s\n", indent, h.Kind, handlerText(h))
		}
		if sub := s.Op.Sub(); sub != nil {
			writeSteps(sb, sub, indent+"     ")
		}
	}
}

func argText(op *pipeline.Operation) string {
	s := op.String()
	return strings.TrimSuffix(strings.TrimPrefix(s, op.Name+"("), ")")
}

func handlerText(h pipeline.Handler) string {
	if h.Op != nil {
		return truncate(h.Op.String(), 64)
	}
	return "func"
}

// renderDOT draws steps as a chain of boxes, each sub-pipeline as a
// cluster and handlers as dashed side edges.
func renderDOT(p *pipeline.Pipeline) (string, error) {
	g := gographviz.NewGraph()
	name := p.Name
	if name == "" {
		name = "job"
	}
	if err := g.SetName(quote(name)); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr(quote(name), "rankdir", "LR"); err != nil {
		return "", err
	}
	d := &dotWriter{g: g}
	if _, err := d.steps(quote(name), p, ""); err != nil {
		return "", err
	}
	return g.String(), nil
}

type dotWriter struct {
	g *gographviz.Graph
}

// steps adds p's steps under parent and links them in order. It returns
// the first and last node IDs.
func (d *dotWriter) steps(parent string, p *pipeline.Pipeline, prefix string) ([2]string, error) {
	var ends [2]string
	prev := ""
	for _, s := range p.Steps() {
		id := s.Name
		if prefix != "" {
			id = prefix + "/" + s.Name
		}
		node := quote(id)
		label := s.Op.Name
		shape := "box"
		if sub := s.Op.Sub(); sub != nil {
			label = "each " + truncate(argText(s.Op), 40)
			shape = "diamond"
		}
		if err := d.g.AddNode(parent, node, map[string]string{
			"label": quote(s.Name + "\n" + label),
			"shape": shape,
		}); err != nil {
			return ends, err
		}
		if prev != "" {
			if err := d.g.AddEdge(prev, node, true, nil); err != nil {
				return ends, err
			}
		} else {
			ends[0] = node
		}
		for i, h := range s.Chain {
			hid := quote(fmt.Sprintf("%s.%s[%d]", id, h.Kind, i))
			if err := d.g.AddNode(parent, hid, map[string]string{
				"label": quote(handlerText(h)),
				"shape": "note",
			}); err != nil {
				return ends, err
			}
			if err := d.g.AddEdge(node, hid, true, map[string]string{
				"label": quote(h.Kind.String()),
				"style": "dashed",
			}); err != nil {
				return ends, err
			}
		}
		if sub := s.Op.Sub(); sub != nil && sub.Len() > 0 {
			cluster := quote("cluster_" + id)
			if err := d.g.AddSubGraph(parent, cluster, map[string]string{"label": quote(id)}); err != nil {
				return ends, err
			}
			inner, err := d.steps(cluster, sub, id)
			if err != nil {
				return ends, err
			}
			if err := d.g.AddEdge(node, inner[0], true, map[string]string{"label": quote("item")}); err != nil {
				return ends, err
			}
			if err := d.g.AddEdge(inner[1], node, true, map[string]string{"style": "dotted"}); err != nil {
				return ends, err
			}
		}
		prev = node
	}
	ends[1] = prev
	return ends, nil
}

func quote(s string) string {
	return strconv.Quote(s)
}
