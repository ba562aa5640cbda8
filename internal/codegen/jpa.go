// Package codegen turns a diagram into JPA entity source code.
package codegen

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/npezzotti/go-erd/internal/diagram"
)

const imports = `import javax.persistence.*;
import java.math.BigDecimal;
import java.time.LocalDateTime;
import java.util.*;
import lombok.Getter;
import lombok.Setter;`

var javaTypes = map[diagram.AttributeType]string{
	diagram.AttributeString:  "String",
	diagram.AttributeNumber:  "Long",
	diagram.AttributeDecimal: "BigDecimal",
	diagram.AttributeDate:    "LocalDateTime",
	diagram.AttributeBoolean: "Boolean",
}

// GenerateEntities renders one class per entity, separated by a blank line.
// Relationships pointing at missing entities are rendered against Object.
func GenerateEntities(entities []diagram.Entity, relationships []diagram.Relationship) string {
	names := make(map[string]string, len(entities))
	for _, e := range entities {
		names[e.ID] = e.Name
	}

	byEntity := make(map[string][]diagram.Relationship)
	for _, r := range relationships {
		byEntity[r.FromEntity] = append(byEntity[r.FromEntity], r)
		if r.ToEntity != r.FromEntity {
			byEntity[r.ToEntity] = append(byEntity[r.ToEntity], r)
		}
	}

	classes := make([]string, 0, len(entities))
	for _, e := range entities {
		classes = append(classes, generateEntity(e, byEntity[e.ID], names))
	}

	return strings.Join(classes, "\n\n")
}

func generateEntity(e diagram.Entity, rels []diagram.Relationship, names map[string]string) string {
	var b strings.Builder

	b.WriteString(imports)
	b.WriteString("\n\n@Entity\n")
	fmt.Fprintf(&b, "@Table(name = %q)\n", snakeCase(e.Name))
	b.WriteString("@Getter\n@Setter\n")
	fmt.Fprintf(&b, "public class %s {\n", pascalCase(e.Name))

	for _, a := range e.Attributes {
		b.WriteString("\n")
		if a.IsPrimaryKey {
			b.WriteString("    @Id\n")
			b.WriteString("    @GeneratedValue(strategy = GenerationType.IDENTITY)\n")
		}
		nullable := ""
		if a.IsRequired {
			nullable = ", nullable = false"
		}
		fmt.Fprintf(&b, "    @Column(name = %q%s)\n", snakeCase(a.Name), nullable)
		fmt.Fprintf(&b, "    private %s %s;\n", javaType(a.Type), camelCase(a.Name))
	}

	for _, r := range rels {
		b.WriteString("\n")
		b.WriteString(relationshipField(e.ID, r, names))
	}

	b.WriteString("}")
	return b.String()
}

func relationshipField(entityID string, r diagram.Relationship, names map[string]string) string {
	isSource := r.FromEntity == entityID
	otherID := r.FromEntity
	if isSource {
		otherID = r.ToEntity
	}

	other := "Object"
	if name, ok := names[otherID]; ok && name != "" {
		other = pascalCase(name)
	}

	field := camelCase(r.Name)
	if field == "" {
		field = camelCase(names[otherID])
	}
	if field == "" {
		field = "related"
	}

	switch r.Type {
	case diagram.OneToOne:
		if isSource {
			return fmt.Sprintf("    @OneToOne\n    private %s %s;\n", other, field)
		}
		return fmt.Sprintf("    @OneToOne(mappedBy = %q)\n    private %s %s;\n", field, other, field)
	case diagram.OneToMany:
		if isSource {
			return fmt.Sprintf("    @OneToMany(mappedBy = %q, cascade = CascadeType.ALL)\n    private List<%s> %sList = new ArrayList<>();\n", field, other, field)
		}
		return fmt.Sprintf("    @ManyToOne\n    @JoinColumn(name = \"%s_id\")\n    private %s %s;\n", snakeCase(field), other, field)
	case diagram.ManyToMany:
		if isSource {
			return fmt.Sprintf("    @ManyToMany\n    @JoinTable(name = %q)\n    private Set<%s> %sSet = new HashSet<>();\n", snakeCase(field), other, field)
		}
		return fmt.Sprintf("    @ManyToMany(mappedBy = \"%sSet\")\n    private Set<%s> %sSet = new HashSet<>();\n", field, other, field)
	}
	return ""
}

func javaType(t diagram.AttributeType) string {
	if jt, ok := javaTypes[t]; ok {
		return jt
	}
	return "String"
}

// words splits on separators and lower-to-upper case transitions.
func words(s string) []string {
	var (
		out  []string
		cur  []rune
		prev rune
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush()
			cur = append(cur, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return out
}

func pascalCase(s string) string {
	var b strings.Builder
	for _, w := range words(s) {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

func camelCase(s string) string {
	p := []rune(pascalCase(s))
	if len(p) == 0 {
		return ""
	}
	p[0] = unicode.ToLower(p[0])
	return string(p)
}

func snakeCase(s string) string {
	ws := words(s)
	for i, w := range ws {
		ws[i] = strings.ToLower(w)
	}
	return strings.Join(ws, "_")
}
