package ticket

import "testing"

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		year    int
		counter int64
		want    string
	}{
		{
			name:    "first ticket of the year",
			prefix:  "VMC",
			year:    2026,
			counter: 1,
			want:    "VMC-2026-000001",
		},
		{
			name:    "mid range counter",
			prefix:  "VMC",
			year:    2026,
			counter: 47,
			want:    "VMC-2026-000047",
		},
		{
			name:    "counter at padding boundary",
			prefix:  "VMC",
			year:    2026,
			counter: 999999,
			want:    "VMC-2026-999999",
		},
		{
			name:    "counter wider than padding",
			prefix:  "VMC",
			year:    2026,
			counter: 1234567,
			want:    "VMC-2026-1234567",
		},
		{
			name:    "custom prefix",
			prefix:  "OPS",
			year:    2030,
			counter: 12,
			want:    "OPS-2030-000012",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.prefix, tt.year, tt.counter)
			if got != tt.want {
				t.Errorf("Format(%q, %d, %d) = %q, want %q", tt.prefix, tt.year, tt.counter, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Number
		wantErr bool
	}{
		{
			name:  "valid ticket",
			input: "VMC-2026-000047",
			want:  Number{Prefix: "VMC", Year: 2026, Counter: 47},
		},
		{
			name:  "valid ticket with long counter",
			input: "VMC-2026-1234567",
			want:  Number{Prefix: "VMC", Year: 2026, Counter: 1234567},
		},
		{
			name:    "missing prefix",
			input:   "2026-000047",
			wantErr: true,
		},
		{
			name:    "lowercase prefix",
			input:   "vmc-2026-000047",
			wantErr: true,
		},
		{
			name:    "two digit year",
			input:   "VMC-26-000047",
			wantErr: true,
		},
		{
			name:    "short counter",
			input:   "VMC-2026-47",
			wantErr: true,
		},
		{
			name:    "zero counter",
			input:   "VMC-2026-000000",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "garbage",
			input:   "not-a-ticket",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("Parse(%q) unexpected error: %v", tt.input, err)
				return
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	original := Number{Prefix: "VMC", Year: 2026, Counter: 42}
	parsed, err := Parse(original.String())
	if err != nil {
		t.Fatalf("Parse(%q) unexpected error: %v", original.String(), err)
	}
	if parsed != original {
		t.Errorf("round trip = %+v, want %+v", parsed, original)
	}
}
