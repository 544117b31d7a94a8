package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/docmesh-ai/extraction-engine/pkg/client"
)

// newTypesCmd creates the types subcommand.
func newTypesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types",
		Short: "Manage document types",
	}

	cmd.AddCommand(newTypesCreateCmd())
	cmd.AddCommand(newTypesListCmd())

	return cmd
}

// newTypesCreateCmd creates the types create subcommand.
func newTypesCreateCmd() *cobra.Command {
	var (
		name       string
		schemaPath string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a document type with its extraction schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			schema, err := os.ReadFile(schemaPath)
			if err != nil {
				return fmt.Errorf("read schema: %w", err)
			}
			if !json.Valid(schema) {
				return fmt.Errorf("schema file %s is not valid JSON", schemaPath)
			}

			dt, err := sdk.CreateDocumentType(ctx, client.CreateDocumentTypeRequest{
				Name:   name,
				Schema: schema,
			})
			if err != nil {
				return fmt.Errorf("create document type: %w", err)
			}

			if outputJSON {
				return printJSON(dt)
			}

			success("Document type created")
			keyValue("ID", dt.ID)
			keyValue("Name", dt.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "unique type name (required)")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "path to the JSON Schema file (required)")

	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}

// newTypesListCmd creates the types list subcommand.
func newTypesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered document types",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			types, err := sdk.ListDocumentTypes(ctx)
			if err != nil {
				return fmt.Errorf("list document types: %w", err)
			}

			if outputJSON {
				return printJSON(types)
			}

			if len(types) == 0 {
				info("No document types registered")
				return nil
			}
			for _, dt := range types {
				fmt.Printf("  %s  %s\n", dt.ID, dt.Name)
			}
			return nil
		},
	}
}

// newUploadCmd creates the upload subcommand.
func newUploadCmd() *cobra.Command {
	var (
		docType string
		name    string
		file    string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a document for extraction",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			content, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			if name == "" {
				name = filepath.Base(file)
			}

			doc, err := sdk.CreateDocument(ctx, client.CreateDocumentRequest{
				DocumentTypeID: docType,
				Name:           name,
				Content:        string(content),
			})
			if err != nil {
				return fmt.Errorf("upload document: %w", err)
			}

			if outputJSON {
				return printJSON(doc)
			}

			success("Document uploaded")
			keyValue("ID", doc.ID)
			keyValue("Name", doc.Name)
			keyValue("Status", doc.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&docType, "type", "", "document type ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "document name (default: file name)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the document file (required)")

	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
