package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-rod/rod"

	"github.com/suwatbch/tbserver/ledger"
	"github.com/suwatbch/tbserver/listing"
)

// pageView binds the listing Source and Surface to one Rod page. Row
// IDs encode the row's index on its page plus the ID cell text, so the
// Surface can find the same row again without re-querying by content.
type pageView struct {
	page *rod.Page
	sel  Selectors
}

var (
	_ listing.Source  = (*pageView)(nil)
	_ listing.Surface = (*pageView)(nil)
)

func (v *pageView) CurrentPage(ctx context.Context) (int, error) {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		if (!el) return 1;
		const n = parseInt(el.textContent.trim(), 10);
		return isNaN(n) ? 1 : n;
	}`, v.sel.PagerCurrent)
	if err != nil {
		return 0, fmt.Errorf("browser: current page: %w", err)
	}
	return res.Value.Int(), nil
}

func (v *pageView) TotalPages(ctx context.Context) (int, error) {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const els = document.querySelectorAll(sel);
		if (els.length === 0) return 1;
		const n = parseInt(els[els.length - 1].textContent.trim(), 10);
		return isNaN(n) ? 1 : n;
	}`, v.sel.PagerNumbers)
	if err != nil {
		return 0, fmt.Errorf("browser: total pages: %w", err)
	}
	return res.Value.Int(), nil
}

func (v *pageView) Rows(ctx context.Context) ([]listing.Row, error) {
	res, err := v.page.Context(ctx).Eval(`(rowsSel, idSel, catSel, keySel, stateSel) => {
		const text = (row, sel) => {
			const el = row.querySelector(sel);
			return el ? el.textContent.trim() : '';
		};
		return [...document.querySelectorAll(rowsSel)].map((row, i) => ({
			index:    i,
			id:       text(row, idSel),
			category: text(row, catSel),
			key:      text(row, keySel),
			state:    text(row, stateSel),
		}));
	}`, v.sel.Rows, v.sel.IDCell, v.sel.CategoryCell, v.sel.KeyCell, v.sel.StateCell)
	if err != nil {
		return nil, fmt.Errorf("browser: read rows: %w", err)
	}

	items := res.Value.Arr()
	rows := make([]listing.Row, 0, len(items))
	for _, it := range items {
		rows = append(rows, listing.Row{
			ID:       fmt.Sprintf("%d:%s", it.Get("index").Int(), it.Get("id").Str()),
			Category: ledger.Category(it.Get("category").Str()),
			Key:      ledger.FilterKey(it.Get("key").Str()),
			State:    listing.ParseState(it.Get("state").Str()),
		})
	}
	return rows, nil
}

func (v *pageView) GoToPage(ctx context.Context, n int) error {
	res, err := v.page.Context(ctx).Eval(`(sel, n) => {
		const el = [...document.querySelectorAll(sel)]
			.find(li => li.textContent.trim() === String(n));
		if (!el) return false;
		el.click();
		return true;
	}`, v.sel.PagerNumbers, n)
	if err != nil {
		return fmt.Errorf("browser: go to page %d: %w", n, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: page %d not in pager", n)
	}
	return nil
}

func (v *pageView) Loading(ctx context.Context) (bool, error) {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		return !!el && el.offsetParent !== null;
	}`, v.sel.LoadingMask)
	if err != nil {
		return false, fmt.Errorf("browser: loading check: %w", err)
	}
	return res.Value.Bool(), nil
}

func (v *pageView) Reload(ctx context.Context) error {
	p := v.page.Context(ctx)
	if err := p.Reload(); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait load: %w", err)
	}
	return nil
}

func (v *pageView) Claim(ctx context.Context, row listing.Row) error {
	index, err := rowIndex(row.ID)
	if err != nil {
		return err
	}
	res, err := v.page.Context(ctx).Eval(`(rowsSel, btnSel, index) => {
		const rows = document.querySelectorAll(rowsSel);
		if (index >= rows.length) return false;
		const btn = rows[index].querySelector(btnSel);
		if (!btn || btn.disabled) return false;
		btn.click();
		return true;
	}`, v.sel.Rows, v.sel.ClaimButton, index)
	if err != nil {
		return fmt.Errorf("browser: claim: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: claim action not available for row %s", row.ID)
	}
	return nil
}

func (v *pageView) ConfirmationVisible(ctx context.Context) (bool, error) {
	return v.visible(ctx, v.sel.Dialog)
}

func (v *pageView) ChallengeRequired(ctx context.Context) (bool, error) {
	return v.visible(ctx, v.sel.Challenge)
}

func (v *pageView) ChallengeTokenPresent(ctx context.Context) (bool, error) {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		return !!el && el.value.length > 0;
	}`, v.sel.ChallengeToken)
	if err != nil {
		return false, fmt.Errorf("browser: token check: %w", err)
	}
	return res.Value.Bool(), nil
}

func (v *pageView) ChallengeSiteKey(ctx context.Context) (string, error) {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		if (el && el.dataset && el.dataset.sitekey) return el.dataset.sitekey;
		const frame = document.querySelector("iframe[src*='recaptcha']");
		if (!frame) return '';
		const m = frame.src.match(/[?&]k=([^&]+)/);
		return m ? m[1] : '';
	}`, v.sel.Challenge)
	if err != nil {
		return "", fmt.Errorf("browser: site key: %w", err)
	}
	key := res.Value.Str()
	if key == "" {
		return "", fmt.Errorf("browser: site key not found")
	}
	return key, nil
}

func (v *pageView) SetChallengeToken(ctx context.Context, token string) error {
	// The widget callback path varies per site; writing the token into
	// the response textarea is what the upstream form reads on submit.
	_, err := v.page.Context(ctx).Eval(`(sel, token) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('challenge token field not found');
		el.value = token;
		el.innerHTML = token;
		el.dispatchEvent(new Event('change', { bubbles: true }));
	}`, v.sel.ChallengeToken, token)
	if err != nil {
		return fmt.Errorf("browser: set token: %w", err)
	}
	return nil
}

func (v *pageView) ConfirmEnabled(ctx context.Context) (bool, error) {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const btn = document.querySelector(sel);
		return !!btn && !btn.disabled && !btn.classList.contains('is-disabled');
	}`, v.sel.ConfirmButton)
	if err != nil {
		return false, fmt.Errorf("browser: confirm check: %w", err)
	}
	return res.Value.Bool(), nil
}

func (v *pageView) Confirm(ctx context.Context) error {
	return v.click(ctx, v.sel.ConfirmButton, "confirm")
}

// Dismiss tries the cancel button first and falls back to the dialog's
// header close button; some dialog variants have no footer.
func (v *pageView) Dismiss(ctx context.Context) error {
	if err := v.click(ctx, v.sel.CancelButton, "dismiss"); err == nil {
		return nil
	}
	return v.click(ctx, v.sel.CloseButton, "dismiss")
}

func (v *pageView) visible(ctx context.Context, sel string) (bool, error) {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		return !!el && el.offsetParent !== null;
	}`, sel)
	if err != nil {
		return false, fmt.Errorf("browser: visibility of %s: %w", sel, err)
	}
	return res.Value.Bool(), nil
}

func (v *pageView) click(ctx context.Context, sel, what string) error {
	res, err := v.page.Context(ctx).Eval(`(sel) => {
		const el = document.querySelector(sel);
		if (!el) return false;
		el.click();
		return true;
	}`, sel)
	if err != nil {
		return fmt.Errorf("browser: %s: %w", what, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: %s target not found", what)
	}
	return nil
}

// rowIndex extracts the on-page index from a row ID.
func rowIndex(id string) (int, error) {
	idx, _, ok := strings.Cut(id, ":")
	if !ok {
		return 0, fmt.Errorf("browser: malformed row id %q", id)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("browser: malformed row id %q", id)
	}
	return n, nil
}
