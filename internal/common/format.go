package common

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	DefaultWidth = 80
	WideWidth    = 100

	// AmountPlaces is how many decimals reports show for reward amounts.
	AmountPlaces = 8

	labelWidth = 21
)

// Report writes a boxed plain-text report for CLI output.
type Report struct {
	w     io.Writer
	width int
}

func NewReport(w io.Writer, width int) *Report {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Report{w: w, width: width}
}

// Header prints the title between two rules.
func (r *Report) Header(title string) {
	fmt.Fprintln(r.w, "\n"+strings.Repeat("=", r.width))
	fmt.Fprintln(r.w, title)
	fmt.Fprintln(r.w, strings.Repeat("=", r.width))
}

// Footer closes the report with a message.
func (r *Report) Footer(message string) {
	fmt.Fprintln(r.w, "\n"+strings.Repeat("=", r.width))
	fmt.Fprintln(r.w, message)
	fmt.Fprintln(r.w, strings.Repeat("=", r.width)+"\n")
}

// Field prints an aligned "label: value" line.
func (r *Report) Field(label string, value any) {
	fmt.Fprintf(r.w, "%-*s%v\n", labelWidth, label+":", value)
}

// Amount prints a labeled reward amount at AmountPlaces.
func (r *Report) Amount(label string, amount decimal.Decimal) {
	r.Field(label, FormatAmount(amount))
}

// Section starts a titled list.
func (r *Report) Section(title string) {
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, title+":")
	fmt.Fprintln(r.w, "├"+strings.Repeat("─", r.width-1))
}

// Line prints free text.
func (r *Report) Line(format string, args ...any) {
	fmt.Fprintf(r.w, format+"\n", args...)
}

// Item prints one list entry followed by its detail lines.
func (r *Report) Item(last bool, summary string, details ...string) {
	prefix, detail := "│  ", "│     "
	if last {
		prefix, detail = "└  ", "      "
	}
	fmt.Fprintln(r.w, prefix+summary)
	for _, d := range details {
		fmt.Fprintln(r.w, detail+d)
	}
}

// FormatAmount renders a reward amount with a fixed number of decimals.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(AmountPlaces)
}
