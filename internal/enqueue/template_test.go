package enqueue

import "testing"

func TestRenderTemplate(t *testing.T) {
	values := map[string]string{
		"customer_name": "Ana Torres",
		"first_name":    "Ana",
		"plan_name":     "Fiber 100",
	}

	tests := []struct {
		name string
		text string
		want string
	}{
		{
			"single placeholder",
			"Hola {{customer_name}}",
			"Hola Ana Torres",
		},
		{
			"multiple placeholders",
			"Hola {{first_name}}, tu plan {{plan_name}} vence pronto",
			"Hola Ana, tu plan Fiber 100 vence pronto",
		},
		{
			"whitespace inside braces",
			"Hola {{ customer_name }}",
			"Hola Ana Torres",
		},
		{
			"missing value renders empty",
			"Saldo de {{balance}} pendiente",
			"Saldo de  pendiente",
		},
		{
			"no placeholders",
			"Mensaje sin variables",
			"Mensaje sin variables",
		},
		{
			"repeated placeholder",
			"{{first_name}} {{first_name}}",
			"Ana Ana",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderTemplate(tt.text, values); got != tt.want {
				t.Errorf("RenderTemplate(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestProfileValues(t *testing.T) {
	p := Profile{FirstName: "Ana", LastName: "Torres", PlanName: "Fiber 100"}

	values := profileValues(p)
	if values["customer_name"] != "Ana Torres" {
		t.Errorf("expected full name, got %q", values["customer_name"])
	}

	// Missing last name must not leave a trailing space
	p.LastName = ""
	values = profileValues(p)
	if values["customer_name"] != "Ana" {
		t.Errorf("expected trimmed name, got %q", values["customer_name"])
	}
}
