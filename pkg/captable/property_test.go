//go:build property
// +build property

package captable_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cypher-asi/zero-os-sub004/pkg/captable"
)

func genPerms() gopter.Gen {
	return gopter.CombineGens(gen.Bool(), gen.Bool(), gen.Bool()).Map(
		func(vs []interface{}) captable.Perms {
			return captable.Perms{
				Read:  vs[0].(bool),
				Write: vs[1].(bool),
				Grant: vs[2].(bool),
			}
		})
}

// TestNoEscalationProperty verifies the subset rule over the whole
// permission lattice: a derive is accepted iff the requested bits are a
// subset of the parent's, so no accepted derive ever widens authority.
func TestNoEscalationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted derive never escalates", prop.ForAll(
		func(parentPerms, requested captable.Perms) bool {
			parent, err := captable.New("endpoint", 1, parentPerms, 1, nil, "", "prop")
			if err != nil {
				return false
			}
			err = captable.CheckDerive(parent, requested)
			if err == nil {
				return requested.Subset(parent.Perms)
			}
			return !requested.Subset(parent.Perms)
		},
		genPerms(),
		genPerms(),
	))

	properties.Property("subset is transitive", prop.ForAll(
		func(a, b, c captable.Perms) bool {
			if a.Subset(b) && b.Subset(c) {
				return a.Subset(c)
			}
			return true
		},
		genPerms(),
		genPerms(),
		genPerms(),
	))

	properties.TestingRun(t)
}
