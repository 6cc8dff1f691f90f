package models

// Step names, in execution order.
const (
	StepMetadata = "metadata"
	StepContent  = "content"
	StepMint     = "mint"
	StepDNS      = "dns"
	StepDatabase = "database"
)

// Steps records which pipeline steps have completed, reused artifacts
// included.
type Steps struct {
	Metadata bool         `json:"metadata"`
	Content  bool         `json:"content"`
	Mint     bool         `json:"mint"`
	DNS      bool         `json:"dns"`
	Database bool         `json:"database"`
	Results  *StepResults `json:"results,omitempty"`
}

// Completed lists completed step names in order.
func (s Steps) Completed() []string {
	out := make([]string, 0, 5)
	for _, step := range []struct {
		name string
		done bool
	}{
		{StepMetadata, s.Metadata},
		{StepContent, s.Content},
		{StepMint, s.Mint},
		{StepDNS, s.DNS},
		{StepDatabase, s.Database},
	} {
		if step.done {
			out = append(out, step.name)
		}
	}
	return out
}

// StepResults is the data produced by a successful run.
type StepResults struct {
	ContentID          string `json:"contentId"`
	ContentURI         string `json:"contentUri"`
	GatewayURL         string `json:"gatewayUrl"`
	TokenID            string `json:"tokenId"`
	TokenIDUncertain   bool   `json:"tokenIdUncertain"`
	TxHash             string `json:"txHash,omitempty"`
	BlockNumber        uint64 `json:"blockNumber,omitempty"`
	ContractAddress    string `json:"contractAddress"`
	Chain              string `json:"chain"`
	AliasRecordID      string `json:"aliasRecordId,omitempty"`
	DescriptorRecordID string `json:"descriptorRecordId,omitempty"`
	DomainID           string `json:"domainId"`
}

// ResultsFor summarizes a persisted record.
func ResultsFor(rec *DomainRecord) *StepResults {
	return &StepResults{
		ContentID:          rec.ContentID,
		ContentURI:         rec.Metadata.Content.URI,
		GatewayURL:         rec.Metadata.Content.GatewayURL,
		TokenID:            rec.TokenID,
		TokenIDUncertain:   rec.Metadata.Chain.TokenIDUncertain,
		TxHash:             rec.Metadata.Chain.TxHash,
		BlockNumber:        rec.Metadata.Chain.BlockNumber,
		ContractAddress:    rec.ContractAddress,
		Chain:              rec.Metadata.Chain.Chain,
		AliasRecordID:      rec.Metadata.DNS.AliasRecordID,
		DescriptorRecordID: rec.Metadata.DNS.DescriptorRecordID,
		DomainID:           rec.ID.String(),
	}
}

// Result is the outcome of a successful provisioning run.
type Result struct {
	Domain             string
	AlreadyProvisioned bool
	Steps              Steps
	Record             *DomainRecord
}
