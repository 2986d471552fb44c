package statement

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Dan9191/card-ledger/internal/models"
	"github.com/Dan9191/card-ledger/internal/utils"
	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
)

const timeLayout = time.RFC3339

// Statement is the printable history of one card. Records are expected newest first,
// as the ledger returns them.
type Statement struct {
	Card        *models.Card
	Records     []*models.TransactionRecord
	GeneratedAt time.Time
}

// Build renders the statement as an XML document
func (s *Statement) Build() (*etree.Document, error) {
	if s.Card == nil {
		return nil, fmt.Errorf("statement has no card")
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("CardStatement")
	root.CreateAttr("generated", s.GeneratedAt.UTC().Format(timeLayout))

	card := root.CreateElement("Card")
	card.CreateAttr("id", s.Card.ID.String())
	card.CreateAttr("number", s.Card.MaskedNumber())
	card.CreateAttr("active", strconv.FormatBool(s.Card.Active))
	card.CreateElement("IssuedAt").SetText(s.Card.IssuedAt.UTC().Format(timeLayout))
	card.CreateElement("ExpiresAt").SetText(s.Card.ExpiresAt.UTC().Format(timeLayout))
	amountElement(card, "Balance", s.Card.Balance)

	credits, debits := decimal.Zero, decimal.Zero
	txs := root.CreateElement("Transactions")
	txs.CreateAttr("count", strconv.Itoa(len(s.Records)))
	for _, r := range s.Records {
		sign, err := models.SignFor(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		if sign == models.Credit {
			credits = credits.Add(utils.ToMajorUnits(r.Amount))
		} else {
			debits = debits.Add(utils.ToMajorUnits(r.Amount))
		}

		tx := txs.CreateElement("Transaction")
		tx.CreateAttr("id", r.ID.String())
		tx.CreateAttr("kind", string(r.Kind))
		tx.CreateAttr("sign", sign.String())
		tx.CreateElement("Type").SetText(r.Kind.Name())
		tx.CreateElement("Timestamp").SetText(r.Timestamp.UTC().Format(time.RFC3339Nano))
		amountElement(tx, "Amount", r.Amount)
		amountElement(tx, "BalanceBefore", r.BalanceBefore)
		amountElement(tx, "BalanceAfter", r.BalanceAfter)
		if r.Description != "" {
			tx.CreateElement("Description").SetText(r.Description)
		}
	}

	totals := root.CreateElement("Totals")
	totals.CreateElement("Credits").SetText(credits.StringFixed(2))
	totals.CreateElement("Debits").SetText(debits.StringFixed(2))

	doc.Indent(2)
	return doc, nil
}

// WriteTo writes the XML statement to w
func (s *Statement) WriteTo(w io.Writer) (int64, error) {
	doc, err := s.Build()
	if err != nil {
		return 0, err
	}
	return doc.WriteTo(w)
}

func amountElement(parent *etree.Element, tag string, minor int64) {
	el := parent.CreateElement(tag)
	el.CreateAttr("currency", utils.Currency)
	el.SetText(utils.FormatAmount(minor))
}
