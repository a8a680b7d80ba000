package model

// PurchaseClaim is an unverified assertion from the client about a purchase:
// an Apple transaction id or a Google purchase token, plus who claims it.
type PurchaseClaim struct {
	Platform       string `json:"platform"`
	ProductID      string `json:"product_id"`
	TransactionRef string `json:"transaction_ref"`
	Identity       string `json:"identity"`
	InstallID      string `json:"install_id"`
}

// RiskAssessment is the fraud scorer output: a bounded score and the
// accumulated signals that produced it.
type RiskAssessment struct {
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}
