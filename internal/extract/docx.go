package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DocxText reads the body text of a Word document. Paragraphs are separated
// by blank lines. The title comes from the core properties when present.
func DocxText(data []byte) (text, title string, err error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", "", fmt.Errorf("not a docx archive: %w", err)
	}

	var body, core *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "docProps/core.xml":
			core = f
		}
	}
	if body == nil {
		return "", "", fmt.Errorf("docx archive has no word/document.xml")
	}

	text, err = readDocxBody(body)
	if err != nil {
		return "", "", err
	}
	if core != nil {
		title, _ = readDocxTitle(core)
	}
	return text, title, nil
}

func readDocxBody(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var paras []string
	var cur strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br", "cr":
				cur.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if p := strings.TrimSpace(cur.String()); p != "" {
					paras = append(paras, p)
				}
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	if p := strings.TrimSpace(cur.String()); p != "" {
		paras = append(paras, p)
	}
	return strings.Join(paras, "\n\n"), nil
}

func readDocxTitle(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var props struct {
		Title string `xml:"title"`
	}
	if err := xml.NewDecoder(rc).Decode(&props); err != nil {
		return "", err
	}
	return strings.TrimSpace(props.Title), nil
}
