package main

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/csm-cli/internal/model"
	sfpkg "github.com/sells-group/csm-cli/pkg/salesforce"
)

var (
	exportRunID   string
	exportAccount string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export included records as Salesforce Contacts",
	Long:  "Loads a completed run and creates its included CSM records as Contacts under the entity's Account. Persons already present on the Account are skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("export"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		run, err := st.GetRun(ctx, exportRunID)
		if err != nil {
			return eris.Wrap(err, "load run")
		}
		if run.Status != model.RunStatusComplete || run.Result == nil {
			return eris.Errorf("run %s is %s, only complete runs export", exportRunID, run.Status)
		}

		accountID := exportAccount
		if accountID == "" {
			accountID = cfg.Salesforce.AccountID
		}
		if accountID == "" {
			return eris.New("account ID is required (--account or CSM_SALESFORCE_ACCOUNT_ID)")
		}

		sfClient, err := initSalesforce()
		if err != nil {
			return err
		}

		account, err := sfpkg.FindAccountByID(ctx, sfClient, accountID)
		if err != nil {
			return eris.Wrap(err, "find account")
		}

		existing, err := sfpkg.FindContactsByAccount(ctx, sfClient, account.ID)
		if err != nil {
			return eris.Wrap(err, "list account contacts")
		}

		payloads, skipped := contactPayloads(run.Result.Records, account.ID, existing)
		if len(payloads) == 0 {
			zap.L().Info("nothing to export",
				zap.String("account", account.Name),
				zap.Int("skipped_existing", skipped),
			)
			return nil
		}

		results, err := sfpkg.BulkCreateContacts(ctx, sfClient, payloads)
		if err != nil {
			return eris.Wrap(err, "bulk create contacts")
		}

		created, failed := 0, 0
		for _, res := range results {
			if res.Success {
				created++
			} else {
				failed++
				zap.L().Warn("contact create failed", zap.Strings("errors", res.Errors))
			}
		}

		zap.L().Info("export complete",
			zap.String("account", account.Name),
			zap.Int("created", created),
			zap.Int("failed", failed),
			zap.Int("skipped_existing", skipped),
		)
		return nil
	},
}

// contactPayloads maps included records to Contact create payloads, skipping
// persons already on the Account by case-insensitive first+last name.
// Returns the payloads and the number of records skipped as existing.
func contactPayloads(records []model.ExtractedRecord, accountID string, existing []sfpkg.Contact) ([]map[string]any, int) {
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[contactKey(c.FirstName, c.LastName)] = true
	}

	var payloads []map[string]any
	skipped := 0
	for _, rec := range records {
		if !rec.IsCSM {
			continue
		}
		if seen[contactKey(rec.FirstName, rec.LastName)] {
			skipped++
			continue
		}
		fields := map[string]any{
			"AccountId": accountID,
			"FirstName": rec.FirstName,
			"LastName":  rec.LastName,
		}
		if rec.PersonalTitle != nil {
			fields["Salutation"] = *rec.PersonalTitle
		}
		if rec.JobTitle != nil {
			fields["Title"] = *rec.JobTitle
		}
		if rec.Reason != "" {
			fields["Description"] = rec.Reason
		}
		payloads = append(payloads, fields)
		seen[contactKey(rec.FirstName, rec.LastName)] = true
	}
	return payloads, skipped
}

func contactKey(first, last string) string {
	return strings.ToLower(strings.TrimSpace(first)) + "|" + strings.ToLower(strings.TrimSpace(last))
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "run ID to export (required)")
	exportCmd.Flags().StringVar(&exportAccount, "account", "", "Salesforce Account ID (default from config)")
	_ = exportCmd.MarkFlagRequired("run")
	rootCmd.AddCommand(exportCmd)
}
