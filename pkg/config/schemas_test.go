package config

import (
	"context"
	"reflect"
	"testing"

	"github.com/seqsynth/seqsynth/pkg/engine"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{"catalog", "run"}
	if got := sr.ListSchemas(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected schemas %v, got %v", want, got)
	}
	for _, name := range want {
		if _, ok := sr.GetSchema(name); !ok {
			t.Errorf("Expected schema %s to be registered", name)
		}
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("limit", "#Limit", "#Limit: {max: int & >0}"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "limit", map[string]interface{}{"max": 3}); err != nil {
		t.Errorf("Expected valid data, got: %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "limit", map[string]interface{}{"max": 0}); err == nil {
		t.Error("Expected constraint violation")
	}

	if err := sr.RegisterSchema("broken", "#Broken", "#Broken: {"); err == nil {
		t.Error("Expected compile error")
	}
	if err := sr.RegisterSchema("absent", "#Absent", "#Other: string"); err == nil {
		t.Error("Expected missing definition error")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", nil); err == nil {
		t.Error("Expected unknown schema error")
	}
}

func TestSchemaRegistry_ValidateCatalog(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	catalog := engine.Catalog{
		Library: "tree",
		Roles:   []engine.Role{{Name: "node", CType: "node_t *"}},
		Operations: []engine.Operation{
			{Name: "create", Returns: &engine.Returns{Kind: engine.ReturnResource, Role: "node"}},
			{
				Name:    "destroy",
				Params:  []engine.Param{{Name: "n", Kind: engine.ParamResource, Role: "node"}},
				Effects: []engine.Effect{{Kind: engine.EffectFree, Target: "n"}},
			},
		},
	}
	if err := sr.ValidateAgainstSchema(ctx, "catalog", catalog); err != nil {
		t.Errorf("Expected Go catalog to satisfy the schema, got: %v", err)
	}

	catalog.Operations[1].Effects[0].Kind = "explode"
	if err := sr.ValidateAgainstSchema(ctx, "catalog", catalog); err == nil {
		t.Error("Expected bad effect kind to be rejected")
	}
}
