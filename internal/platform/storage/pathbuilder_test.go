package storage

import "testing"

func TestBuildDispatchReceiptPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeDispatchReceipt, PathParams{
		NotificationID: "ntf_01abc",
		FileName:       "20260304T090000Z.json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "dispatch-receipts/ntf_01abc/20260304T090000Z.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildOrderInvoicePathUsesInvoiceNumber(t *testing.T) {
	path, err := BuildObjectPath(PurposeOrderInvoice, PathParams{
		OrderID:       "ord_123",
		InvoiceNumber: "WM-2026-000123",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "orders/ord_123/invoices/WM-2026-000123.pdf"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	_, err := BuildObjectPath(PurposeDispatchReceipt, PathParams{
		NotificationID: "../bad",
		FileName:       "receipt.json",
	})
	if err == nil {
		t.Fatalf("expected error for invalid segment")
	}
}
