package clarity

import (
	"context"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
)

var (
	ProjectKind    = &Kind{Name: "Project", Tag: "{http://genologics.com/ri/project}project"}
	ResearcherKind = &Kind{Name: "Researcher", Tag: "{http://genologics.com/ri/researcher}researcher"}
	LabKind        = &Kind{Name: "Lab", Tag: "{http://genologics.com/ri/lab}lab"}
)

var (
	projectOpenDate    = Subnode[codec.Date]{Path: "open-date", Codec: codec.DateOnly}
	projectCloseDate   = Subnode[codec.Date]{Path: "close-date", Codec: codec.DateOnly}
	projectInvoiceDate = Subnode[codec.Date]{Path: "invoice-date", Codec: codec.DateOnly}
	projectResearcher  = Link[*Researcher]{
		Path:       "researcher",
		Factory:    func(s *Session) *Factory[*Researcher] { return s.Researchers },
		Attributes: []string{"uri"},
	}
)

// Project groups submitted samples.
type Project struct {
	*Element
	*FieldBearing
}

func newProject(el *Element) *Project {
	return &Project{Element: el, FieldBearing: newFieldBearing(el, ".", staticAttachKey("Project", ""))}
}

// OpenDate returns the date the project was opened.
func (p *Project) OpenDate(ctx context.Context) (codec.Date, bool, error) {
	return projectOpenDate.Lookup(ctx, p)
}

// SetOpenDate sets the open date.
func (p *Project) SetOpenDate(ctx context.Context, d codec.Date) error {
	return projectOpenDate.Set(ctx, p, d)
}

// CloseDate returns the date the project was closed.
func (p *Project) CloseDate(ctx context.Context) (codec.Date, bool, error) {
	return projectCloseDate.Lookup(ctx, p)
}

// SetCloseDate sets the close date.
func (p *Project) SetCloseDate(ctx context.Context, d codec.Date) error {
	return projectCloseDate.Set(ctx, p, d)
}

// InvoiceDate returns the invoice date.
func (p *Project) InvoiceDate(ctx context.Context) (codec.Date, bool, error) {
	return projectInvoiceDate.Lookup(ctx, p)
}

// Researcher returns the project owner.
func (p *Project) Researcher(ctx context.Context) (*Researcher, error) {
	return projectResearcher.Get(ctx, p)
}

// SetResearcher sets the project owner.
func (p *Project) SetResearcher(ctx context.Context, r *Researcher) error {
	return projectResearcher.Set(ctx, p, r)
}

var (
	researcherFirstName = Subnode[string]{Path: "first-name", Codec: codec.String}
	researcherLastName  = Subnode[string]{Path: "last-name", Codec: codec.String}
	researcherEmail     = Subnode[string]{Path: "email", Codec: codec.String}
	researcherInitials  = Subnode[string]{Path: "initials", Codec: codec.String}
	researcherUsername  = Subnode[string]{Path: "credentials/username", Codec: codec.String}
	researcherPassword  = Subnode[string]{Path: "credentials/password", Codec: codec.String}
	researcherLab       = Link[*Lab]{
		Path:       "lab",
		Factory:    func(s *Session) *Factory[*Lab] { return s.Labs },
		Attributes: []string{"uri"},
	}
)

// Researcher is a LIMS user or client contact.
type Researcher struct {
	*Element
	*FieldBearing
}

func newResearcher(el *Element) *Researcher {
	return &Researcher{Element: el, FieldBearing: newFieldBearing(el, ".", staticAttachKey("ClientResearcher", ""))}
}

func (r *Researcher) FirstName(ctx context.Context) (string, error) {
	return researcherFirstName.Get(ctx, r)
}

func (r *Researcher) SetFirstName(ctx context.Context, v string) error {
	return researcherFirstName.Set(ctx, r, v)
}

func (r *Researcher) LastName(ctx context.Context) (string, error) {
	return researcherLastName.Get(ctx, r)
}

func (r *Researcher) SetLastName(ctx context.Context, v string) error {
	return researcherLastName.Set(ctx, r, v)
}

func (r *Researcher) Email(ctx context.Context) (string, error) { return researcherEmail.Get(ctx, r) }

func (r *Researcher) SetEmail(ctx context.Context, v string) error {
	return researcherEmail.Set(ctx, r, v)
}

func (r *Researcher) Initials(ctx context.Context) (string, error) {
	return researcherInitials.Get(ctx, r)
}

// Username returns the login name, empty for client contacts.
func (r *Researcher) Username(ctx context.Context) (string, error) {
	return researcherUsername.Get(ctx, r)
}

// SetCredentials sets the login name and password.
func (r *Researcher) SetCredentials(ctx context.Context, username, password string) error {
	if err := researcherUsername.Set(ctx, r, username); err != nil {
		return err
	}
	return researcherPassword.Set(ctx, r, password)
}

// Lab returns the researcher's lab.
func (r *Researcher) Lab(ctx context.Context) (*Lab, error) { return researcherLab.Get(ctx, r) }

// SetLab assigns the researcher to a lab.
func (r *Researcher) SetLab(ctx context.Context, l *Lab) error { return researcherLab.Set(ctx, r, l) }

// Lab is a client lab.
type Lab struct {
	*Element
	*FieldBearing
}

func newLab(el *Element) *Lab {
	return &Lab{Element: el, FieldBearing: newFieldBearing(el, ".", staticAttachKey("ClientLab", ""))}
}
