package discovery

import (
	"sort"
	"strings"

	"github.com/t77yq/agentpool/internal/model"
)

// Merge combines descriptors from several strategies by name.
//
// Each field takes the value of the highest-ranked source that populated it;
// ties between equal ranks go to the earlier strategy. The outcome does not
// depend on the order in which concurrent strategies finished.
func Merge(results [][]model.ServiceDescriptor) []model.ServiceDescriptor {
	type ranked struct {
		desc  model.ServiceDescriptor
		rank  int
		index int
	}

	var all []ranked
	for i, batch := range results {
		for _, d := range batch {
			if d.Name == "" {
				continue
			}
			all = append(all, ranked{desc: d, rank: d.Source.Rank(), index: i})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].rank != all[j].rank {
			return all[i].rank > all[j].rank
		}
		return all[i].index < all[j].index
	})

	merged := make(map[string]*model.ServiceDescriptor)
	var order []string
	for _, r := range all {
		key := strings.ToLower(r.desc.Name)
		current, ok := merged[key]
		if !ok {
			d := clone(r.desc)
			merged[key] = &d
			order = append(order, key)
			continue
		}
		fill(current, r.desc)
	}

	sort.Strings(order)
	out := make([]model.ServiceDescriptor, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	return out
}

// fill copies fields of src into dst that dst leaves empty
func fill(dst *model.ServiceDescriptor, src model.ServiceDescriptor) {
	if dst.Category == "" {
		dst.Category = src.Category
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.Command == "" {
		dst.Command = src.Command
		if len(dst.Args) == 0 {
			dst.Args = append([]string(nil), src.Args...)
		}
	}
	if len(dst.ProbeArgs) == 0 {
		dst.ProbeArgs = append([]string(nil), src.ProbeArgs...)
	}
	if dst.Package == nil && src.Package != nil {
		p := *src.Package
		dst.Package = &p
	}
	for k, v := range src.Env {
		if dst.Env == nil {
			dst.Env = make(map[string]string)
		}
		if _, ok := dst.Env[k]; !ok {
			dst.Env[k] = v
		}
	}
	for _, alias := range src.Aliases {
		if !containsFold(dst.Aliases, alias) && !strings.EqualFold(alias, dst.Name) {
			dst.Aliases = append(dst.Aliases, alias)
		}
	}
}

func clone(d model.ServiceDescriptor) model.ServiceDescriptor {
	d.Aliases = append([]string(nil), d.Aliases...)
	d.Args = append([]string(nil), d.Args...)
	d.ProbeArgs = append([]string(nil), d.ProbeArgs...)
	if d.Package != nil {
		p := *d.Package
		d.Package = &p
	}
	if d.Env != nil {
		env := make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			env[k] = v
		}
		d.Env = env
	}
	return d
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
