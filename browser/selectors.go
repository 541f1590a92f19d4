package browser

// Selectors locate the listing elements. The defaults match the
// element-UI table and pager markup the upstream site is built on;
// every one of them can be overridden from configuration so a markup
// change is a config edit, not a rebuild.
type Selectors struct {
	// Table rows and the cells read from each row.
	Rows         string `yaml:"rows"`
	IDCell       string `yaml:"id_cell"`
	CategoryCell string `yaml:"category_cell"`
	KeyCell      string `yaml:"key_cell"`
	StateCell    string `yaml:"state_cell"`
	ClaimButton  string `yaml:"claim_button"`

	// Pager and the loading overlay shown during page transitions.
	PagerCurrent string `yaml:"pager_current"`
	PagerNumbers string `yaml:"pager_numbers"`
	LoadingMask  string `yaml:"loading_mask"`

	// Confirmation dialog.
	Dialog        string `yaml:"dialog"`
	ConfirmButton string `yaml:"confirm_button"`
	CancelButton  string `yaml:"cancel_button"`
	CloseButton   string `yaml:"close_button"`

	// Challenge widget inside the dialog.
	Challenge      string `yaml:"challenge"`
	ChallengeToken string `yaml:"challenge_token"`
}

func (s *Selectors) defaults() {
	def := func(field *string, v string) {
		if *field == "" {
			*field = v
		}
	}
	def(&s.Rows, ".el-table__body-wrapper tr.el-table__row")
	def(&s.IDCell, "td:nth-child(2)")
	def(&s.CategoryCell, "td:nth-child(3)")
	def(&s.KeyCell, "td:nth-child(2)")
	def(&s.StateCell, "td:last-child .el-button span")
	def(&s.ClaimButton, "td:last-child .el-button")
	def(&s.PagerCurrent, ".el-pager li.active")
	def(&s.PagerNumbers, ".el-pager li.number")
	def(&s.LoadingMask, ".el-loading-mask")
	def(&s.Dialog, ".el-dialog__wrapper:not([style*='display: none']) .el-dialog")
	def(&s.ConfirmButton, ".el-dialog__footer .el-button--primary")
	def(&s.CancelButton, ".el-dialog__footer .el-button:not(.el-button--primary)")
	def(&s.CloseButton, ".el-dialog__headerbtn")
	def(&s.Challenge, ".g-recaptcha, .el-dialog iframe[src*='recaptcha']")
	def(&s.ChallengeToken, "#g-recaptcha-response, textarea[name='g-recaptcha-response']")
}
