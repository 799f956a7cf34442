package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/guard"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

func newBookCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Create or edit books"}

	var payload ledger.BookPayload
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a book",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, func(ctx context.Context, d *device) guard.Result {
				return d.actions.CreateBook(ctx, payload)
			})
		},
	}
	clientFlags(create, defaults)
	create.Flags().StringVar(&payload.Title, "title", "", "Book title")
	create.Flags().StringVar(&payload.Description, "description", "", "Book description")

	var editID string
	var edited ledger.BookPayload
	edit := &cobra.Command{
		Use:   "edit",
		Short: "Replace the content of a book",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, func(ctx context.Context, d *device) guard.Result {
				return d.actions.EditBook(ctx, ledger.ClientID(editID), edited)
			})
		},
	}
	clientFlags(edit, defaults)
	edit.Flags().StringVar(&editID, "id", "", "Client id of the book")
	edit.Flags().StringVar(&edited.Title, "title", "", "Book title")
	edit.Flags().StringVar(&edited.Description, "description", "", "Book description")

	cmd.AddCommand(create, edit)
	return cmd
}

func newEntryCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{Use: "entry", Short: "Create or edit entries"}

	var bookID, direction string
	var payload ledger.EntryPayload
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an entry in a book",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload.Direction = ledger.EntryDirection(direction)
			return runAction(cmd, func(ctx context.Context, d *device) guard.Result {
				return d.actions.CreateEntry(ctx, ledger.ClientID(bookID), payload)
			})
		},
	}
	clientFlags(create, defaults)
	entryFlags(create, &payload, &direction)
	create.Flags().StringVar(&bookID, "book", "", "Client id of the book")

	var entryID, moveTo, editDirection string
	var edited ledger.EntryPayload
	edit := &cobra.Command{
		Use:   "edit",
		Short: "Replace the content of an entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			edited.Direction = ledger.EntryDirection(editDirection)
			return runAction(cmd, func(ctx context.Context, d *device) guard.Result {
				return d.actions.EditEntry(ctx, ledger.ClientID(entryID), ledger.ClientID(moveTo), edited)
			})
		},
	}
	clientFlags(edit, defaults)
	entryFlags(edit, &edited, &editDirection)
	edit.Flags().StringVar(&entryID, "id", "", "Client id of the entry")
	edit.Flags().StringVar(&moveTo, "book", "", "Move the entry to this book")

	cmd.AddCommand(create, edit)
	return cmd
}

func entryFlags(cmd *cobra.Command, payload *ledger.EntryPayload, direction *string) {
	cmd.Flags().Int64Var(&payload.AmountMinor, "amount", 0, "Amount in minor units")
	cmd.Flags().StringVar(direction, "direction", string(ledger.DirectionDebit), "debit or credit")
	cmd.Flags().StringVar(&payload.OccurredOn, "on", "", "Date the entry occurred (YYYY-MM-DD)")
	cmd.Flags().StringVar(&payload.Memo, "memo", "", "Free text memo")
}

func newDeleteCommand(defaults *viper.Viper) *cobra.Command {
	var kind, recordID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a record after the undo window",
		RunE: func(cmd *cobra.Command, args []string) error {
			recordKind, err := ledger.ParseRecordKind(kind)
			if err != nil {
				return err
			}
			return runAction(cmd, func(ctx context.Context, d *device) guard.Result {
				return d.actions.Delete(ctx, recordKind, ledger.ClientID(recordID))
			})
		},
	}
	clientFlags(cmd, defaults)
	cmd.Flags().StringVar(&kind, "kind", string(ledger.KindEntry), "book or entry")
	cmd.Flags().StringVar(&recordID, "id", "", "Client id of the record")
	return cmd
}

func newUndoCommand(defaults *viper.Viper) *cobra.Command {
	var recordID string
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Cancel a pending deletion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, func(ctx context.Context, d *device) guard.Result {
				return d.actions.Undo(ctx, ledger.ClientID(recordID))
			})
		},
	}
	clientFlags(cmd, defaults)
	cmd.Flags().StringVar(&recordID, "id", "", "Client id of the record")
	return cmd
}

func newConflictsCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{Use: "conflicts", Short: "Inspect and resolve held conflicts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List held conflicts and the resolution audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			pending, err := d.resolver.Pending(cmd.Context(), d.owner)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, held := range pending {
				fmt.Fprintf(out, "held %s %s %s local=%d remote=%d\n",
					held.ConflictID, held.Kind, held.RecordClientID, held.LocalVersion, held.RemoteVersion)
			}
			audit, err := d.resolver.Audit(cmd.Context(), d.owner)
			if err != nil {
				return err
			}
			for _, entry := range audit {
				fmt.Fprintf(out, "audit %s %s %s\n", entry.ConflictID, entry.RecordClientID, entry.Decision)
			}
			return nil
		},
	}
	clientFlags(list, defaults)

	var conflictID, decision string
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a held conflict with local_win or server_win",
		RunE: func(cmd *cobra.Command, args []string) error {
			choice := conflicts.Choice{Decision: conflicts.Decision(decision)}
			return runAction(cmd, func(ctx context.Context, d *device) guard.Result {
				return d.actions.ResolveConflict(ctx, conflictID, choice)
			})
		},
	}
	clientFlags(resolve, defaults)
	resolve.Flags().StringVar(&conflictID, "id", "", "Conflict id")
	resolve.Flags().StringVar(&decision, "decision", string(conflicts.DecisionServerWin), "local_win or server_win")

	cmd.AddCommand(list, resolve)
	return cmd
}
