package crawlkit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const listingHTML = `
<html>
<head>
<meta property="og:title" content="Doces | Mercado Azul">
<script type="application/ld+json">
{"@type":"BreadcrumbList","itemListElement":[]}
</script>
<script type="application/ld+json">
[{"@type":"Product","name":"Chocolate 90g","gtin13":"7891000100103"}]
</script>
</head>
<body>
<nav class="breadcrumb">
  <span>Mercearia</span>
  <span>Doces</span>
  <span>  </span>
</nav>
<ul class="products">
  <li><a href="/p/chocolate-90g">Chocolate 90g</a></li>
  <li><a href="/p/bala-de-goma">Bala de Goma</a></li>
  <li><a href="/p/chocolate-90g">Chocolate 90g (repetido)</a></li>
  <li><a href="#top">Voltar ao topo</a></li>
  <li><a href="mailto:sac@mercadoazul.example">Fale conosco</a></li>
  <li><a href="https://cdn.example/p/externo">Externo</a></li>
</ul>
<h1 class="product-name">Chocolate ao Leite 90g</h1>
</body>
</html>`

func TestLinksResolvesAndDeduplicates(t *testing.T) {
	t.Parallel()

	doc, err := Document([]byte(listingHTML))
	require.NoError(t, err)

	links, err := Links(doc, "ul.products a", "https://mercadoazul.example/c/doces")
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://mercadoazul.example/p/chocolate-90g",
		"https://mercadoazul.example/p/bala-de-goma",
		"https://cdn.example/p/externo",
	}, links)
}

func TestAbsoluteURL(t *testing.T) {
	t.Parallel()

	abs, err := AbsoluteURL("https://mercadoazul.example/c/doces", "/p/chocolate-90g?ref=listing#reviews")
	require.NoError(t, err)
	require.Equal(t, "https://mercadoazul.example/p/chocolate-90g?ref=listing", abs)

	abs, err = AbsoluteURL("https://mercadoazul.example", "javascript:void(0)")
	require.NoError(t, err)
	require.Empty(t, abs)
}

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"HTTPS://MercadoAzul.Example:443/p/Chocolate-90g#reviews", "https://mercadoazul.example/p/Chocolate-90g"},
		{"http://shop.example:80/p/1?b=2&a=1", "http://shop.example/p/1?a=1&b=2"},
		{"https://shop.example/p/1", "https://shop.example/p/1"},
	}
	for _, tc := range cases {
		got, err := CanonicalURL(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := CanonicalURL("://not-a-url")
	require.Error(t, err)
}

func TestBreadcrumbSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	doc, err := Document([]byte(listingHTML))
	require.NoError(t, err)
	require.Equal(t, []string{"Mercearia", "Doces"}, Breadcrumb(doc, "nav.breadcrumb span"))
}

func TestTextAndMeta(t *testing.T) {
	t.Parallel()

	doc, err := Document([]byte(listingHTML))
	require.NoError(t, err)
	require.Equal(t, "Chocolate ao Leite 90g", Text(doc, "h1.product-name"))
	require.Equal(t, "Doces | Mercado Azul", MetaContent(doc, "og:title"))
	require.Empty(t, Text(doc, ".missing"))
}

func TestJSONLDFlattensArrays(t *testing.T) {
	t.Parallel()

	doc, err := Document([]byte(listingHTML))
	require.NoError(t, err)

	blocks := JSONLD(doc)
	require.Len(t, blocks, 2)

	product, ok := JSONLDByType(doc, "Product")
	require.True(t, ok)
	require.Equal(t, "Chocolate 90g", product["name"])
	require.Equal(t, "7891000100103", product["gtin13"])

	_, ok = JSONLDByType(doc, "Offer")
	require.False(t, ok)
}
