package machine

import (
	"fmt"
	"strings"
)

// ToDOT renders the definition as a Graphviz digraph. Substates render as
// clusters; guarded edges are annotated with the guard description.
// This is a debugging aid only.
func (d *Definition) ToDOT() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", d.grainType)
	sb.WriteString("    rankdir=LR;\n")

	if d.HasRegions() {
		for i, r := range d.regions {
			fmt.Fprintf(&sb, "    subgraph cluster_region_%d {\n", i)
			fmt.Fprintf(&sb, "        label=%q;\n", r.Name)
			r.Def.writeDOTBody(&sb, "        ")
			sb.WriteString("    }\n")
		}
	} else {
		d.writeDOTBody(&sb, "    ")
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (d *Definition) writeDOTBody(sb *strings.Builder, indent string) {
	if d.initial != "" {
		fmt.Fprintf(sb, "%s__start [shape=point];\n", indent)
		fmt.Fprintf(sb, "%s__start -> %q;\n", indent, d.initial)
	}
	for _, name := range d.stateOrder {
		s := d.states[name]
		if s.Parent != "" {
			fmt.Fprintf(sb, "%s%q [label=\"%s\\n(in %s)\"];\n", indent, name, name, s.Parent)
		} else {
			fmt.Fprintf(sb, "%s%q;\n", indent, name)
		}
		for _, trigger := range s.triggerOrder {
			for _, gt := range s.Transitions[trigger] {
				label := trigger
				if gt.Guard != nil {
					desc := gt.GuardDesc
					if desc == "" {
						desc = "guarded"
					}
					label = fmt.Sprintf("%s [%s]", trigger, desc)
				}
				fmt.Fprintf(sb, "%s%q -> %q [label=%q];\n", indent, name, gt.Target, label)
			}
		}
	}
}
