package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Account represents the Salesforce Account a CSM export attaches to.
type Account struct {
	ID   string `json:"Id" salesforce:"Id"`
	Name string `json:"Name" salesforce:"Name"`
	Type string `json:"Type" salesforce:"Type"`
}

// Contact represents a Salesforce Contact record as exported.
type Contact struct {
	ID          string `json:"Id" salesforce:"Id"`
	AccountID   string `json:"AccountId" salesforce:"AccountId"`
	FirstName   string `json:"FirstName" salesforce:"FirstName"`
	LastName    string `json:"LastName" salesforce:"LastName"`
	Salutation  string `json:"Salutation" salesforce:"Salutation"`
	Title       string `json:"Title" salesforce:"Title"`
	Description string `json:"Description" salesforce:"Description"`
}

// contactFields are the SOQL fields selected for Contact queries.
var contactFields = []string{
	"Id", "AccountId", "FirstName", "LastName", "Salutation", "Title", "Description",
}

// FindAccountByID queries Salesforce for an Account by its ID.
// Returns nil if no account is found.
func FindAccountByID(ctx context.Context, c Client, id string) (*Account, error) {
	soql := fmt.Sprintf(
		"SELECT Id, Name, Type FROM Account WHERE Id = '%s' LIMIT 1",
		escapeSoql(id),
	)

	var accounts []Account
	if err := c.Query(ctx, soql, &accounts); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find account by id %s", id))
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

// FindContactsByAccount queries Salesforce for all Contacts attached to the
// given Account. Used to match already-exported persons before inserting.
func FindContactsByAccount(ctx context.Context, c Client, accountID string) ([]Contact, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Contact WHERE AccountId = '%s'",
		strings.Join(contactFields, ", "),
		escapeSoql(accountID),
	)

	var contacts []Contact
	if err := c.Query(ctx, soql, &contacts); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find contacts for account %s", accountID))
	}
	return contacts, nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
