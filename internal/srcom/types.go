package srcom

// Category is one leaderboard category of a game, with its variables
// embedded (the client always requests embed=variables).
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"` // "per-game" or "per-level"
	Misc      bool   `json:"misc"`
	Variables struct {
		Data []Variable `json:"data"`
	} `json:"variables"`
}

// SubcategoryVariables returns the category's variables flagged as
// subcategories, in API order. Only these contribute to the cartesian
// product of category variants.
func (c Category) SubcategoryVariables() []Variable {
	var out []Variable
	for _, v := range c.Variables.Data {
		if v.IsSubcategory {
			out = append(out, v)
		}
	}
	return out
}

// Variable is one filter dimension of a category.
type Variable struct {
	ID            string `json:"id"`
	IsSubcategory bool   `json:"is-subcategory"`
	Values        struct {
		Values map[string]VariableValue `json:"values"`
	} `json:"values"`
}

// VariableValue is one enumerated value of a variable.
type VariableValue struct {
	Label string `json:"label"`
}

// Run is the subset of a leaderboard run the sync consumes.
type Run struct {
	ID      string   `json:"id"`
	Date    string   `json:"date"` // ISO-8601, may be empty
	Players []Player `json:"players"`
	Times   struct {
		PrimaryT float64 `json:"primary_t"` // elapsed primary time in seconds
	} `json:"times"`
}

// Player is either a registered user (Rel=="user", resolvable by ID) or a
// guest (Rel=="guest", Name carried inline).
type Player struct {
	Rel  string `json:"rel"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}
