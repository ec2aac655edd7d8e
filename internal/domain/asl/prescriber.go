package asl

// Prescriber is a clinician who issued one or more prescriptions.
// PrescriberID is the natural key used for reconciliation on ingest;
// HPII and HPIO are the 16-digit healthcare identifiers for the
// individual and their organisation.
type Prescriber struct {
	ID           int64
	GivenName    string
	FamilyName   string
	Title        string
	Address1     string
	Address2     string
	PrescriberID int64
	HPII         int64
	HPIO         int64
	Phone        string
	Fax          string
}

// FullName returns "Given Family", with the title appended when set
func (p *Prescriber) FullName() string {
	name := p.GivenName + " " + p.FamilyName
	if p.Title != "" {
		name += " " + p.Title
	}
	return name
}
