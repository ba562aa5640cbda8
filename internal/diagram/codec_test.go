package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDiagram() Data {
	return Data{
		Entities: []Entity{
			{
				ID:   "user",
				Name: "User",
				Attributes: []EntityAttribute{
					{ID: "user-id", Name: "id", Type: AttributeNumber, IsPrimaryKey: true, IsRequired: true},
					{ID: "user-email", Name: "email", Type: AttributeString, IsRequired: true, DefaultValue: "nobody@example.com"},
					{ID: "user-active", Name: "active", Type: AttributeBoolean, DefaultValue: true},
				},
				Position: Position{X: 10, Y: 20.5},
			},
			{
				ID:   "profile",
				Name: "Profile",
				Attributes: []EntityAttribute{
					{ID: "profile-user", Name: "user_id", Type: AttributeNumber, IsForeignKey: true},
				},
				Position: Position{X: 300, Y: 20},
			},
			{
				ID:   "order",
				Name: "Order",
				Attributes: []EntityAttribute{
					{ID: "order-total", Name: "total", Type: AttributeDecimal, DefaultValue: float64(0)},
					{ID: "order-date", Name: "placed_at", Type: AttributeDate},
				},
				Position: Position{X: 10, Y: 240},
			},
			{ID: "tag", Name: "Tag", Attributes: []EntityAttribute{}, Position: Position{X: 300, Y: 240}},
		},
		Relationships: []Relationship{
			{ID: "r1", FromEntity: "user", ToEntity: "profile", Type: OneToOne, Name: "profile"},
			{ID: "r2", FromEntity: "user", ToEntity: "order", Type: OneToMany, Name: "orders"},
			{ID: "r3", FromEntity: "order", ToEntity: "tag", Type: ManyToMany},
		},
		Version:        7,
		LastModified:   time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		LastModifiedBy: "user-1",
	}
}

func TestRoundTrip(t *testing.T) {
	in := sampleDiagram()

	raw, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out, "expected parse(serialize(d)) == d")

	validated, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, in, validated)
}

func TestMarshal_FieldNames(t *testing.T) {
	raw, err := Marshal(Data{Version: 1, LastModifiedBy: "u"})
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, `"entities":[]`, "expected nil entities to encode as an empty array")
	assert.Contains(t, s, `"relationships":[]`)
	assert.Contains(t, s, `"last_modified_by":"u"`)

	raw, err = Marshal(sampleDiagram())
	require.NoError(t, err)
	s = string(raw)
	assert.Contains(t, s, `"fromEntity":"user"`)
	assert.Contains(t, s, `"isPrimaryKey":true`)
	assert.Contains(t, s, `"type":"N-M"`)
}

func TestValidate(t *testing.T) {
	tcases := []struct {
		name  string
		raw   string
		field string
	}{
		{"null payload", `null`, "diagram_data"},
		{"not an object", `[1,2]`, "diagram_data"},
		{"missing entities", `{"relationships":[],"version":1}`, "entities"},
		{"entities not array", `{"entities":{},"relationships":[],"version":1}`, "entities"},
		{"relationships null", `{"entities":[],"relationships":null,"version":1}`, "relationships"},
		{"missing version", `{"entities":[],"relationships":[]}`, "version"},
		{"string version", `{"entities":[],"relationships":[],"version":"3"}`, "version"},
		{"null version", `{"entities":[],"relationships":[],"version":null}`, "version"},
		{"bool version", `{"entities":[],"relationships":[],"version":true}`, "version"},
		{"entity without id", `{"entities":[{"name":"x"}],"relationships":[],"version":1}`, "entities"},
		{"unknown attribute type", `{"entities":[{"id":"e","attributes":[{"id":"a","type":"blob"}]}],"relationships":[],"version":1}`, "attributes"},
		{"unknown relationship type", `{"entities":[],"relationships":[{"id":"r","type":"1-2"}],"version":1}`, "relationships"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate([]byte(tc.raw))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	t.Run("minimal valid payload", func(t *testing.T) {
		d, err := Validate([]byte(`{"entities":[{"id":"e","name":"E"}],"relationships":[],"version":2}`))
		require.NoError(t, err)
		assert.Equal(t, 2, d.Version)
		require.Len(t, d.Entities, 1)
		assert.NotNil(t, d.Entities[0].Attributes, "expected missing attributes to decode as empty")
	})

	t.Run("fractional version", func(t *testing.T) {
		d, err := Validate([]byte(`{"entities":[],"relationships":[],"version":1.5,"last_modified_by":"bob"}`))
		require.NoError(t, err)
		assert.Equal(t, 1, d.Version)
		assert.Equal(t, "bob", d.LastModifiedBy)
	})
}

func TestMarshalIndent_DanglingReference(t *testing.T) {
	d := sampleDiagram()
	d.Entities = d.Entities[1:]

	raw, err := MarshalIndent(d)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"entities\"")
}
