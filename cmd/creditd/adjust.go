package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagUserID      = "user-id"
	flagAmount      = "amount"
	flagDescription = "description"
	flagOperator    = "operator"
)

type adjustRequest struct {
	DatabaseURL     string
	UserID          string
	Amount          int64
	Description     string
	Operator        string
	CreditRetention time.Duration
}

func newAdjustCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Write an ADMIN_ADJUSTMENT row (positive grants, negative debits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, flagDatabaseURL, flagUserID, flagAmount, flagDescription, flagOperator, flagCreditRetention)
			if err != nil {
				return err
			}
			request := adjustRequest{
				DatabaseURL:     strings.TrimSpace(v.GetString(flagDatabaseURL)),
				UserID:          strings.TrimSpace(v.GetString(flagUserID)),
				Amount:          v.GetInt64(flagAmount),
				Description:     strings.TrimSpace(v.GetString(flagDescription)),
				Operator:        strings.TrimSpace(v.GetString(flagOperator)),
				CreditRetention: v.GetDuration(flagCreditRetention),
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			transaction, balance, err := runAdjust(cmd.Context(), request, logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "transaction %s: %+d credits, balance %d\n",
				transaction.ID().String(), transaction.Amount().Int64(), balance.TotalCredits.Int64())
			return err
		},
	}
	cmd.Flags().String(flagUserID, "", "user to adjust (required)")
	cmd.Flags().Int64(flagAmount, 0, "signed credit amount (required, non-zero)")
	cmd.Flags().String(flagDescription, "", "reason shown in the wallet history (required)")
	cmd.Flags().String(flagOperator, "", "who performed the adjustment, stored in metadata")
	cmd.Flags().Duration(flagCreditRetention, 0, "how long granted credits stay spendable (default 3 years)")
	return cmd
}

func runAdjust(ctx context.Context, request adjustRequest, logger *zap.Logger) (ledger.Transaction, ledger.Balance, error) {
	if request.Description == "" {
		return ledger.Transaction{}, ledger.Balance{}, fmt.Errorf("%s is required", flagDescription)
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return ledger.Transaction{}, ledger.Balance{}, err
	}
	metadataValues := map[string]string{"source": "cli"}
	if request.Operator != "" {
		metadataValues["operator"] = request.Operator
	}
	metadata, err := ledger.MetadataFromMap(metadataValues)
	if err != nil {
		return ledger.Transaction{}, ledger.Balance{}, err
	}

	service, closeDatabase, err := openLedger(ctx, request.DatabaseURL, request.CreditRetention, logger)
	if err != nil {
		return ledger.Transaction{}, ledger.Balance{}, err
	}
	defer closeDatabase()

	transaction, err := service.Adjust(ctx, userID, ledger.Credits(request.Amount), request.Description, metadata)
	if err != nil {
		return ledger.Transaction{}, ledger.Balance{}, fmt.Errorf("adjust: %w", err)
	}
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return ledger.Transaction{}, ledger.Balance{}, fmt.Errorf("balance: %w", err)
	}
	return transaction, balance, nil
}

func openLedger(ctx context.Context, databaseURL string, retention time.Duration, logger *zap.Logger) (*ledger.Service, func(), error) {
	database, err := openDatabase(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	closeDatabase := func() { _ = database.Close() }
	options := []ledger.ServiceOption{ledger.WithOperationLogger(httpapi.NewOperationLogger(logger.Named("ledger")))}
	if retention > 0 {
		options = append(options, ledger.WithCreditRetention(int64(retention/time.Second)))
	}
	service, err := ledger.NewService(gormstore.New(database.DB), func() int64 { return time.Now().UTC().Unix() }, options...)
	if err != nil {
		closeDatabase()
		return nil, nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, closeDatabase, nil
}

func openDatabase(ctx context.Context, databaseURL string) (*gormstore.Database, error) {
	if databaseURL == "" {
		databaseURL = defaultDatabaseURL
	}
	database, err := gormstore.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := gormstore.PrepareSchema(ctx, database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}
